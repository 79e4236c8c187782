// Package config provides loading and environment overlay for duramqd
// configuration. It exposes a Default() baseline plus Load (JSON or YAML,
// chosen by extension) and FromEnv, which the CLI applies in that order
// before layering explicit flags on top.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/duramq.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
