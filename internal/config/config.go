// Package config provides run configuration loaded from environment variables.
package config

import (
	"fmt"
	"orthorun/internal/apperrors"
	"path/filepath"
	"time"
)

// Sensitivity bounds accepted by the aligner's search step.
const (
	MinSensitivity = 1.0
	MaxSensitivity = 7.5
)

// Backend kinds.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// RunConfig holds configuration for one orchestration run.
type RunConfig struct {
	WorkDir          string  // root for databases, alignments, tables and the report
	Workers          int     // size of the worker pool
	Threads          int     // aligner threads per job when a job does not set its own
	Sensitivity      float64 // aligner search sensitivity
	BuildIndex       bool    // build a search index next to every target database
	Backend          string  // "local" or "docker"
	ToolPath         string  // aligner binary (local) or binary inside the image (docker)
	DockerImage      string  // image used by the docker backend
	ReportPath       string  // timing report, defaults to <WorkDir>/report.tsv
	ReportDB         string  // optional SQLite timing store
	MetricsAddr      string  // optional listen address for GET /metrics
	BreakerThreshold int     // consecutive tool failures before alignment jobs short-circuit
	KeepIntermediate bool    // keep raw hits and converted tables after parsing

	PreflightTimeout time.Duration // per-check limit for the aligner and input checks
}

// LoadRunConfig loads run configuration from environment variables.
func LoadRunConfig() RunConfig {
	return RunConfig{
		WorkDir:          GetEnv("WORK_DIR", "orthorun-work"),
		Workers:          GetIntEnv("WORKERS", 4),
		Threads:          GetIntEnv("THREADS", 1),
		Sensitivity:      GetFloatEnv("SENSITIVITY", 4.0),
		BuildIndex:       GetBoolEnv("BUILD_INDEX", false),
		Backend:          GetEnv("BACKEND", BackendLocal),
		ToolPath:         GetEnv("TOOL", "mmseqs"),
		DockerImage:      GetEnv("DOCKER_IMAGE", "ghcr.io/soedinglab/mmseqs2:latest"),
		ReportPath:       GetEnv("REPORT", ""),
		ReportDB:         GetEnv("REPORT_DB", ""),
		MetricsAddr:      GetEnv("METRICS_ADDR", ""),
		BreakerThreshold: GetIntEnv("BREAKER_THRESHOLD", 5),
		KeepIntermediate: GetBoolEnv("KEEP_INTERMEDIATE", false),
		PreflightTimeout: GetDurationEnv("PREFLIGHT_TIMEOUT", 30*time.Second),
	}
}

// WithDefaults fills in zero values with defaults.
func (c RunConfig) WithDefaults() RunConfig {
	if c.WorkDir == "" {
		c.WorkDir = "orthorun-work"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.Sensitivity == 0 {
		c.Sensitivity = 4.0
	}
	if c.Backend == "" {
		c.Backend = BackendLocal
	}
	if c.ToolPath == "" {
		c.ToolPath = "mmseqs"
	}
	if c.ReportPath == "" {
		c.ReportPath = filepath.Join(c.WorkDir, "report.tsv")
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.PreflightTimeout <= 0 {
		c.PreflightTimeout = 30 * time.Second
	}
	return c
}

// Validate reports the first invalid parameter. Does not modify the config.
func (c RunConfig) Validate() error {
	if c.WorkDir == "" {
		return apperrors.Configuration("workDir", "work directory is required")
	}
	if c.Workers < 1 {
		return apperrors.Configuration("workers", fmt.Sprintf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Threads < 1 {
		return apperrors.Configuration("threads", fmt.Sprintf("threads must be at least 1, got %d", c.Threads))
	}
	if c.Sensitivity < MinSensitivity || c.Sensitivity > MaxSensitivity {
		return apperrors.Configuration("sensitivity",
			fmt.Sprintf("sensitivity must be between %.1f and %.1f, got %g", MinSensitivity, MaxSensitivity, c.Sensitivity))
	}
	switch c.Backend {
	case BackendLocal:
	case BackendDocker:
		if c.DockerImage == "" {
			return apperrors.Configuration("dockerImage", "docker backend requires an image")
		}
	default:
		return apperrors.Configuration("backend", fmt.Sprintf("backend must be %q or %q, got %q", BackendLocal, BackendDocker, c.Backend))
	}
	if c.ToolPath == "" {
		return apperrors.Configuration("tool", "aligner tool path is required")
	}
	return nil
}

// Dirs are the deterministic locations of run artifacts below WorkDir.
type Dirs struct {
	Databases  string
	Alignments string
	Essential  string
	Orthologs  string
	Tmp        string
}

// Dirs returns the artifact directories for this config.
func (c RunConfig) Dirs() Dirs {
	return Dirs{
		Databases:  filepath.Join(c.WorkDir, "db"),
		Alignments: filepath.Join(c.WorkDir, "alignments"),
		Essential:  filepath.Join(c.WorkDir, "essential"),
		Orthologs:  filepath.Join(c.WorkDir, "orthologs"),
		Tmp:        filepath.Join(c.WorkDir, "tmp"),
	}
}
