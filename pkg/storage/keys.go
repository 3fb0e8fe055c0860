package storage

// Key layout (one pebble DB per peer, one namespace per role):
//
//   rpc-server/dht-seed        -> 32 raw bytes, transport identity seed
//   rpc-server/rpc-seed        -> 32 raw bytes, RPC identity seed
//   rpc-server/connections     -> JSON [[transportID, rpcKeyHex], ...]
//   sell-orders/<ticker>       -> JSON SellOrder
//   rpc-client/sellings/<ticker> -> JSON SellOrder as last acknowledged to the operator
const (
	NamespaceServer = "rpc-server/"
	NamespaceOrders = "sell-orders/"
	NamespaceClient = "rpc-client/"

	KeyDHTSeed     = "dht-seed"
	KeyRPCSeed     = "rpc-seed"
	KeyConnections = "connections"
	PrefixSellings = "sellings/"
)

// keyUpperBound returns the exclusive upper bound for a prefix scan.
// An empty prefix has no upper bound.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}
