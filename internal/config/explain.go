package config

import (
	"fmt"
	"strings"
)

// Explain returns the effective value at the given YAML-like path and its source.
//
// Supported paths:
//
//	endpoint
//	backend
//	keyed_mutex_timeout
//	handshake_timeout
//	max_consecutive_frame_errors
//	target_refresh_hz
//	test_layer_image
//	metrics_addr
//	log_level
//	virtual.targets
//	virtual.dump_dir
//	virtual.vblank_interval
func Explain(res *LoadResult, path string) (any, Source, error) {
	if res == nil || res.Config == nil {
		return nil, Source{}, fmt.Errorf("no config loaded")
	}
	if path == "" {
		return nil, Source{}, fmt.Errorf("path is empty")
	}

	value, err := lookupValue(res.Config, path)
	if err != nil {
		return nil, Source{}, err
	}
	if src, ok := res.Sources[path]; ok {
		return value, src, nil
	}
	return value, Source{Kind: SourceDefault}, nil
}

func lookupValue(cfg *Config, path string) (any, error) {
	switch path {
	case "endpoint":
		return cfg.Endpoint, nil
	case "backend":
		return cfg.Backend, nil
	case "keyed_mutex_timeout":
		return cfg.KeyedMutexTimeout, nil
	case "handshake_timeout":
		return cfg.HandshakeTimeout, nil
	case "max_consecutive_frame_errors":
		return cfg.MaxConsecutiveFrameErrors, nil
	case "target_refresh_hz":
		return cfg.TargetRefreshHz, nil
	case "test_layer_image":
		return cfg.TestLayerImage, nil
	case "metrics_addr":
		return cfg.MetricsAddr, nil
	case "log_level":
		return cfg.LogLevel, nil
	case "virtual":
		return cfg.Virtual, nil
	}
	if rest, ok := strings.CutPrefix(path, "virtual."); ok {
		switch rest {
		case "targets":
			return cfg.Virtual.Targets, nil
		case "dump_dir":
			return cfg.Virtual.DumpDir, nil
		case "vblank_interval":
			return cfg.Virtual.VBlankInterval, nil
		}
	}
	return nil, fmt.Errorf("unknown path: %s", path)
}
