package classify

// descriptor is the key-position metadata for one command, loaded as
// data rather than code.
// FirstKey/LastKey/Step follow Redis's own COMMAND INFO convention:
// LastKey of -1 means "last argument", Step 0 means "no keys".
type descriptor struct {
	FirstKey int
	LastKey  int
	Step     int
	ReadOnly bool
	Reject   bool
}

// commandTable is deliberately not exhaustive of the full Redis
// command surface. Anything absent falls back to the conservative
// single-key default, unless explicitly marked Reject below for
// operations this proxy cannot shard safely (multi-key-store
// variants, scripting, transactions, blocking commands).
var commandTable = map[string]descriptor{
	"GET":        {1, 1, 1, true, false},
	"SET":        {1, 1, 1, false, false},
	"SETNX":      {1, 1, 1, false, false},
	"SETEX":      {1, 1, 1, false, false},
	"PSETEX":     {1, 1, 1, false, false},
	"GETSET":     {1, 1, 1, false, false},
	"APPEND":     {1, 1, 1, false, false},
	"STRLEN":     {1, 1, 1, true, false},
	"INCR":       {1, 1, 1, false, false},
	"DECR":       {1, 1, 1, false, false},
	"INCRBY":     {1, 1, 1, false, false},
	"DECRBY":     {1, 1, 1, false, false},
	"INCRBYFLOAT": {1, 1, 1, false, false},
	"GETRANGE":   {1, 1, 1, true, false},
	"SETRANGE":   {1, 1, 1, false, false},
	"EXISTS":     {1, -1, 1, true, false},
	"DEL":        {1, -1, 1, false, false},
	"UNLINK":     {1, -1, 1, false, false},
	"TYPE":       {1, 1, 1, true, false},
	"TTL":        {1, 1, 1, true, false},
	"PTTL":       {1, 1, 1, true, false},
	"EXPIRE":     {1, 1, 1, false, false},
	"PEXPIRE":    {1, 1, 1, false, false},
	"EXPIREAT":   {1, 1, 1, false, false},
	"PERSIST":    {1, 1, 1, false, false},
	"DUMP":       {1, 1, 1, true, false},
	"RESTORE":    {1, 1, 1, false, false},
	"MGET":       {1, -1, 1, true, false},
	"MSET":       {1, -1, 2, false, false},
	"MSETNX":     {0, 0, 0, false, true},
	"HGET":       {1, 1, 1, true, false},
	"HSET":       {1, 1, 1, false, false},
	"HMGET":      {1, 1, 1, true, false},
	"HMSET":      {1, 1, 1, false, false},
	"HDEL":       {1, 1, 1, false, false},
	"HGETALL":    {1, 1, 1, true, false},
	"HKEYS":      {1, 1, 1, true, false},
	"HVALS":      {1, 1, 1, true, false},
	"HLEN":       {1, 1, 1, true, false},
	"HEXISTS":    {1, 1, 1, true, false},
	"HINCRBY":    {1, 1, 1, false, false},
	"HSCAN":      {1, 1, 1, true, false},
	"LPUSH":      {1, 1, 1, false, false},
	"RPUSH":      {1, 1, 1, false, false},
	"LPOP":       {1, 1, 1, false, false},
	"RPOP":       {1, 1, 1, false, false},
	"LLEN":       {1, 1, 1, true, false},
	"LRANGE":     {1, 1, 1, true, false},
	"LINDEX":     {1, 1, 1, true, false},
	"LSET":       {1, 1, 1, false, false},
	"LREM":       {1, 1, 1, false, false},
	"SADD":       {1, 1, 1, false, false},
	"SREM":       {1, 1, 1, false, false},
	"SMEMBERS":   {1, 1, 1, true, false},
	"SISMEMBER":  {1, 1, 1, true, false},
	"SCARD":      {1, 1, 1, true, false},
	"SINTER":     {1, -1, 1, true, false},
	"SUNION":     {1, -1, 1, true, false},
	"SDIFF":      {1, -1, 1, true, false},
	"SINTERSTORE": {0, 0, 0, false, true},
	"SUNIONSTORE": {0, 0, 0, false, true},
	"SDIFFSTORE":  {0, 0, 0, false, true},
	"ZADD":       {1, 1, 1, false, false},
	"ZREM":       {1, 1, 1, false, false},
	"ZSCORE":     {1, 1, 1, true, false},
	"ZRANGE":     {1, 1, 1, true, false},
	"ZRANGEBYSCORE": {1, 1, 1, true, false},
	"ZRANK":      {1, 1, 1, true, false},
	"ZCARD":      {1, 1, 1, true, false},
	"ZINCRBY":    {1, 1, 1, false, false},
	"ZUNIONSTORE": {0, 0, 0, false, true},
	"ZINTERSTORE": {0, 0, 0, false, true},
	"SCAN":       {0, 0, 0, true, false},
	"BITCOUNT":   {1, 1, 1, true, false},
	"BITPOS":     {1, 1, 1, true, false},
	"SETBIT":     {1, 1, 1, false, false},
	"GETBIT":     {1, 1, 1, true, false},
	"BITOP":      {0, 0, 0, false, true},
	"OBJECT":     {2, 2, 1, true, false},
	"MIGRATE":    {0, 0, 0, false, true},
	"RENAME":     {0, 0, 0, false, true},
	"RENAMENX":   {0, 0, 0, false, true},
	"MOVE":       {0, 0, 0, false, true},
	"KEYS":       {0, 0, 0, false, true},
	"RANDOMKEY":  {0, 0, 0, false, true},
	"WAIT":       {0, 0, 0, false, true},
	"EVAL":       {0, 0, 0, false, true},
	"EVALSHA":    {0, 0, 0, false, true},
	"SCRIPT":     {0, 0, 0, false, true},
	"MULTI":      {0, 0, 0, false, true},
	"EXEC":       {0, 0, 0, false, true},
	"DISCARD":    {0, 0, 0, false, true},
	"WATCH":      {0, 0, 0, false, true},
	"BLPOP":      {0, 0, 0, false, true},
	"BRPOP":      {0, 0, 0, false, true},
	"BRPOPLPUSH": {0, 0, 0, false, true},
	"SUBSCRIBE":  {0, 0, 0, false, true},
	"PSUBSCRIBE": {0, 0, 0, false, true},
	"PUBLISH":    {0, 0, 0, false, true},
}

// noKeyCommands are answered or translated by the proxy directly,
// never forwarded with a derived key.
var noKeyCommands = map[string]bool{
	"PING":   true,
	"ECHO":   true,
	"SELECT": true,
	"QUIT":   true,
	"ASKING": true,
}

func lookup(cmdName string) (descriptor, bool) {
	d, ok := commandTable[cmdName]
	return d, ok
}
