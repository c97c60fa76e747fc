package econn

// IsWinner decides, for two endpoints that both issued SETUP (or UPDATE)
// concurrently, which one wins the glare. The two endpoints must agree on
// the boolean when evaluated with arguments swapped, i.e. this is a
// strict total order over (userId, clientId) pairs compared
// lexicographically. The self side wins when its (user, client) pair
// sorts after the peer's.
func IsWinner(selfUserID, selfClientID, peerUserID, peerClientID string) bool {
	if selfUserID != peerUserID {
		return selfUserID > peerUserID
	}
	return selfClientID > peerClientID
}
