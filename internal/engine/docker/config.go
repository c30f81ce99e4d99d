package docker

// Config holds the configuration for Docker-backed engines.
type Config struct {
	// Image is the Docker image to use for engine containers. Deployments
	// point this at an image with the analysis libraries (pandas, numpy,
	// statsmodels, ...) preinstalled.
	Image string
	// MemoryLimit is the maximum amount of memory a container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs a container can use.
	CPULimit float64
	// PoolSize is the number of pre-warmed engine containers to maintain.
	PoolSize int
	// Workdir is the writable working directory inside the container.
	Workdir string
	// WorkdirSize is the tmpfs size for Workdir (e.g. "256m").
	WorkdirSize string
	// DatasetDir is an optional host directory bind-mounted read-only at
	// /data, so datasets are visible without a per-session upload.
	DatasetDir string
	// ReapOnTimeout removes a killed container immediately after a forced
	// timeout termination. When false the dead container is kept on disk
	// until the session is destroyed, so artifacts written before the
	// timeout remain downloadable.
	ReapOnTimeout bool
}

// DefaultConfig provides sensible defaults for a Python sandbox.
func DefaultConfig() Config {
	return Config{
		Image: "python:3.12-slim",
		// 512 MB memory limit — dataframe work needs headroom
		MemoryLimit: 512 * 1024 * 1024,
		// 1 CPU share
		CPULimit:      1.0,
		PoolSize:      3,
		Workdir:       "/workspace",
		WorkdirSize:   "256m",
		ReapOnTimeout: true,
	}
}
