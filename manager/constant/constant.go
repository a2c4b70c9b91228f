package constant

import (
	"os"
	"time"
)

// <NodeDir>/                    (e.g., /home/tss/.pushtss)
// └── config/
//	└── tss_config.json
// └── databases/
//	└── ceremonies.db
// └── keyshares/
//	└── <owner_id>/<key_id>.enc

const (
	NodeDir = ".pushtss"

	ConfigSubdir   = "config"
	ConfigFileName = "tss_config.json"

	DatabasesSubdir    = "databases"
	CeremonyDBFileName = "ceremonies.db"

	KeysharesSubdir = "keyshares"

	// DefaultCeremonyTimeout bounds one keygen or signing ceremony.
	DefaultCeremonyTimeout = 120 * time.Second

	// EnvPrefix is the prefix for environment overrides (TSS_AMQP_ADDRESS, ...).
	EnvPrefix = "TSS"
)

var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir
