package downloader

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
// History records carry it so entries written by different daemons can be told apart.
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}
