/*
Package log provides structured logging for the Crank Platform using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

The fabric's logging system provides structured JSON logging with minimal
overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("registry")                │          │
	│  │  - WithWorkerID("email-classifier-1")       │          │
	│  │  - WithCorrelationID("cert_a1b2c3d4e5f6")   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "registry",                 │          │
	│  │    "time": "2026-07-30T10:30:00Z",         │          │
	│  │    "message": "worker registered"           │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF worker registered component=registry │    │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init() at process start (cobra.OnInitialize)
  - Accessible from every fabric package
  - Thread-safe concurrent writes

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithWorkerID: Add worker ID context
  - WithCorrelationID: Add certificate/request correlation ID context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Example: "Routing candidates: 3 workers, 2 healthy"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Example: "worker registered"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Absorbed failures that self-heal (heartbeat misses, retries)
  - Example: "heartbeat failed"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Journal write failures, CSR signing errors
  - Example: "CSR signing failed"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "journal unwritable at startup"

# Usage

Initializing the logger:

	import "github.com/crankbird/crank-platform/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Component loggers:

	logger := log.WithComponent("registry")
	logger.Info().
		Str("worker_id", workerID).
		Int("capabilities", len(caps)).
		Msg("worker registered")

Correlation across the certificate lifecycle:

	logger := log.WithCorrelationID(ctx.CorrelationID)
	logger.Info().Str("event", "csr_submitted").Msg("certificate event")

# Component Conventions

  - pkg/registry: logs registrations, deregistrations, and journal recovery
  - pkg/api: logs rejected registrations
  - pkg/security: logs bootstrap phase transitions and CA signing decisions
  - pkg/events: one structured record per certificate lifecycle event
  - pkg/client: logs absorbed heartbeat failures at warning level
  - pkg/workerrt: logs startup ordering, degradation, and shutdown hooks

Request logging never captures private key material or CSR payloads; the
security package logs file paths and event kinds, not PEM contents.

# Log Rotation

The fabric does not include built-in log rotation. Use external tools:

	# /etc/logrotate.d/crank
	/var/log/crank/*.log {
	    daily
	    rotate 7
	    compress
	    missingok
	    notifempty
	}

Under systemd, journald handles retention:

	journalctl -u crank-controller -f
*/
package log
