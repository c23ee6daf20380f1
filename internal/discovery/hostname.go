package discovery

import "os"

func hostnameOrFallback() (string, error) {
	return os.Hostname()
}
