// Package config reads the environment-variable-driven configuration used
// by the controller, worker runtime, and CA service, applying fixed
// defaults rather than a config file or flag-bound library.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Controller holds the controller process's runtime configuration.
type Controller struct {
	HTTPSPort        int
	StateFile        string
	HeartbeatTimeout time.Duration
	PlatformAuthTok  string
}

// LoadController reads CONTROLLER_HTTPS_PORT, CONTROLLER_STATE_FILE,
// CONTROLLER_HEARTBEAT_TIMEOUT, and PLATFORM_AUTH_TOKEN from the
// environment, applying fixed defaults for anything unset.
func LoadController() Controller {
	return Controller{
		HTTPSPort:        getInt("CONTROLLER_HTTPS_PORT", 9000),
		StateFile:        getString("CONTROLLER_STATE_FILE", filepath.Join("state", "controller", "registry.jsonl")),
		HeartbeatTimeout: time.Duration(getInt("CONTROLLER_HEARTBEAT_TIMEOUT", 120)) * time.Second,
		PlatformAuthTok:  os.Getenv("PLATFORM_AUTH_TOKEN"),
	}
}

// Worker holds a worker process's runtime configuration.
type Worker struct {
	ServiceName       string
	WorkerID          string
	ListenAddr        string
	WorkerURL         string
	ControllerURL     string
	CAServiceURL      string
	CertDir           string
	HeartbeatInterval time.Duration
	AuthToken         string
	CapabilitiesFile  string
}

// LoadWorker reads SERVICE_NAME, WORKER_HTTPS_PORT, WORKER_URL,
// CONTROLLER_URL, CA_SERVICE_URL, CERT_DIR, WORKER_HEARTBEAT_INTERVAL,
// PLATFORM_AUTH_TOKEN, and WORKER_CAPABILITIES_FILE. WorkerID defaults
// to ServiceName when unset; CONTROLLER_URL left empty means the worker
// runs standalone. WorkerURL defaults to "https://<hostname>:<port>"
// when unset, matching the HTTPS port the runtime binds.
func LoadWorker() Worker {
	serviceName := getString("SERVICE_NAME", "crank-worker")
	port := getInt("WORKER_HTTPS_PORT", 8443)

	workerURL := os.Getenv("WORKER_URL")
	if workerURL == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		workerURL = fmt.Sprintf("https://%s:%d", host, port)
	}

	return Worker{
		ServiceName:       serviceName,
		WorkerID:          getString("WORKER_ID", serviceName),
		ListenAddr:        fmt.Sprintf(":%d", port),
		WorkerURL:         workerURL,
		ControllerURL:     os.Getenv("CONTROLLER_URL"),
		CAServiceURL:      os.Getenv("CA_SERVICE_URL"),
		CertDir:           ResolveCertDir(),
		HeartbeatInterval: time.Duration(getInt("WORKER_HEARTBEAT_INTERVAL", 20)) * time.Second,
		AuthToken:         os.Getenv("PLATFORM_AUTH_TOKEN"),
		CapabilitiesFile:  os.Getenv("WORKER_CAPABILITIES_FILE"),
	}
}

// CA holds the certificate authority process's runtime configuration.
type CA struct {
	HTTPSPort int
	RootDir   string
}

// LoadCA reads CA_HTTPS_PORT and CA_ROOT_DIR, applying fixed defaults for
// anything unset. RootDir holds the CA's own root key/certificate and
// its issued server certificate, distinct from any Bundle a worker or
// controller keeps in CERT_DIR.
func LoadCA() CA {
	return CA{
		HTTPSPort: getInt("CA_HTTPS_PORT", 9100),
		RootDir:   getString("CA_ROOT_DIR", filepath.Join("state", "ca")),
	}
}

// ResolveCertDir returns CERT_DIR if set, else "/etc/certs". The
// "~/.crank/certs" fallback applies only when /etc/certs is unwritable
// and the process is not running in a container: inside one, /etc/certs
// is expected to be a mounted secret and silently switching to a home
// directory would hide a deployment mistake.
func ResolveCertDir() string {
	if dir := os.Getenv("CERT_DIR"); dir != "" {
		return dir
	}

	const defaultDir = "/etc/certs"
	if dirWritable(defaultDir) || runningInContainer() {
		return defaultDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDir
	}
	return filepath.Join(home, ".crank", "certs")
}

// runningInContainer reports whether the process appears to be inside a
// container, via the marker files Docker and podman leave at /.
func runningInContainer() bool {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return false
}

func dirWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
