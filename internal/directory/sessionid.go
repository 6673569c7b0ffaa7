package directory

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Memorable session IDs of the form "adjective-noun-NNN". Speakers read these
// aloud so listeners can join; both word lists avoid visually or phonetically
// confusable entries.

var idAdjectives = []string{
	"amber", "bold", "brave", "bright", "calm", "clever", "coral",
	"crimson", "eager", "gentle", "golden", "happy", "humble", "ivory",
	"jolly", "keen", "lively", "lucky", "mellow", "noble", "olive",
	"proud", "quiet", "rapid", "royal", "silent", "silver", "steady",
	"sunny", "swift", "tidy", "vivid", "warm", "wise", "witty", "zesty",
}

var idNouns = []string{
	"badger", "bison", "condor", "coyote", "crane", "dolphin", "eagle",
	"falcon", "ferret", "finch", "gazelle", "heron", "ibis", "jaguar",
	"kestrel", "lemur", "lynx", "marmot", "marten", "meerkat", "ocelot",
	"osprey", "otter", "panda", "puffin", "quokka", "raven", "robin",
	"salmon", "sparrow", "stork", "tapir", "toucan", "walrus", "wombat",
	"zebra",
}

// newSessionID generates a memorable session ID such as "golden-eagle-427".
// The numeric suffix is in [100, 999]. The ID space is around 1.1 million
// combinations; the caller retries on the rare collision.
func newSessionID() string {
	adj := idAdjectives[randInt(len(idAdjectives))]
	noun := idNouns[randInt(len(idNouns))]
	num := 100 + randInt(900)
	return fmt.Sprintf("%s-%s-%d", adj, noun, num)
}

// newConnID generates a connection ID. Connections are machine-addressed
// only, so a plain UUID serves.
func newConnID() string {
	return uuid.NewString()
}

// randInt returns a uniform random int in [0, n) from crypto/rand.
func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; nothing sensible to do but stop.
		panic("directory: entropy source unavailable: " + err.Error())
	}
	return int(v.Int64())
}
