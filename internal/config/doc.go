// Package config loads the run configuration and the artifact manifest.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (IMAGETTER_ prefix)
//   - The YAML manifest file
//
// Flags override the environment, which overrides the file, which overrides
// the defaults.
//
// # Manifest
//
//	target: /srv/images
//	concurrency: 4
//	log_level: info
//	timeout: 30s
//	chunk_size: 1MiB
//	progress: true
//	mirror: file:///srv/mirror
//	metrics_file: /var/lib/node_exporter/imagetter.prom
//	downloads:
//	  - url: https://example.com/cirros.img
//	    target_subdir: cirros
//	    checksum_url: https://example.com/SHA256SUMS
//	    download_policy: checksum
//	  - url: https://example.com/installer.tgz
//	    unpack: [gz, tar]
package config
