package registry

import (
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any distribution of connections over users, draining the registry in any
// order fires exactly one disconnect notification per user and leaves the
// registry empty.
func TestRegistryDrainProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("draining fires one notification per user", prop.ForAll(
		func(connsPerUser []int) bool {
			reg := New(slog.Default())
			rec := newDisconnectRecorder()
			reg.Subscribe(rec)

			users := make([]string, 0, len(connsPerUser))
			var ids []string
			for i, n := range connsPerUser {
				userID := string(rune('a' + i%26))
				users = append(users, userID)
				for j := 0; j < n; j++ {
					c := reg.Register(userID, &fakeWire{})
					ids = append(ids, c.ID())
				}
			}

			// Unregister everything, duplicates included.
			for _, id := range ids {
				reg.Unregister(id)
				reg.Unregister(id)
			}

			if reg.Len() != 0 {
				return false
			}
			seen := make(map[string]int)
			for i, userID := range users {
				seen[userID] += connsPerUser[i]
			}
			for userID, total := range seen {
				want := 0
				if total > 0 {
					want = 1
				}
				if rec.count(userID) != want {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.IntRange(0, 4)),
	))

	properties.Property("conn count tracks registrations", prop.ForAll(
		func(n int) bool {
			reg := New(slog.Default())
			for i := 0; i < n; i++ {
				reg.Register("u-1", &fakeWire{})
			}
			return reg.Len() == n && reg.UserConnCount("u-1") == n
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
