package scanner

import (
	"github.com/kaytu-io/billing-scheduler/pkg/queue"
)

// QueueDialer opens a broker session per scan and makes sure the topology it
// publishes into exists.
func QueueDialer(url, appID string, topology queue.Topology) DialFunc {
	return func() (Publisher, error) {
		session, err := queue.Open(url, appID)
		if err != nil {
			return nil, err
		}
		if err := session.DeclareTopology(topology); err != nil {
			session.Close()
			return nil, err
		}
		return session, nil
	}
}
