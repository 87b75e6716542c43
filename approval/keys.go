package approval

import "fmt"

// Redis key layout, grounded on registry/result_stream.go's
// "registry:result-stream:<id>" / "pulse:stream:<id>" naming — same
// flat-namespace-with-colon-separated-segments convention, carried over
// to an "approval:" namespace.
const (
	namespace = "approval"
)

func requestKey(id string) string  { return fmt.Sprintf("%s:request:%s", namespace, id) }
func claimKey(id string) string    { return fmt.Sprintf("%s:claim:%s", namespace, id) }
func channelKey(id string) string  { return fmt.Sprintf("%s:resolved:%s", namespace, id) }
func pendingZSetKey() string       { return fmt.Sprintf("%s:pending", namespace) }
