// Package instance derives a stable identifier for this deployment.
package instance

import (
	"log"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "execution-core"

var (
	once sync.Once
	id   string
)

// ID returns a hashed machine identifier, so the raw machine id never leaves
// the host. When the machine id is unreadable a random id is used for the
// lifetime of the process.
func ID() string {
	once.Do(func() {
		v, err := machineid.ProtectedID(appID)
		if err != nil {
			log.Printf("⚠️ instance: machine id unavailable, using random id: %v", err)
			v = uuid.NewString()
		}
		id = v
	})
	return id
}
