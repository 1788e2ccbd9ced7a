package settlement

// Splitter divides a fee pool across quorum members. agreed reports, per
// member, whether the member voted with the winning decision; members absent
// from the map did not vote. The returned remainder goes to the platform sink.
//
// Accuracy-weighted schemes plug in here; EqualSplit is the default.
type Splitter interface {
	Split(pool int64, members []string, agreed map[string]bool) (shares map[string]int64, remainder int64)
}

// EqualSplit pays every quorum member the same share, whether or not they
// voted. The fee rewards availability, not agreement with the outcome.
type EqualSplit struct{}

// Split implements Splitter.
func (EqualSplit) Split(pool int64, members []string, _ map[string]bool) (map[string]int64, int64) {
	shares := make(map[string]int64, len(members))
	if len(members) == 0 || pool <= 0 {
		return shares, max(pool, 0)
	}
	each := pool / int64(len(members))
	for _, m := range members {
		shares[m] = each
	}
	return shares, pool - each*int64(len(members))
}
