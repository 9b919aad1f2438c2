// Package config loads the gateway configuration.
//
// Loading happens in layers: built-in defaults, then each file added to the
// Loader in order, then FEDGATE_* environment variables. Files may be JSON or
// YAML, chosen by extension. Duration fields accept Go duration strings
// ("250ms", "10s") and day counts ("7d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/fedgate/base.yaml")
//	loader.AddLayer("/etc/fedgate/production.yaml") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// A minimal file:
//
//	store:
//	  mode: nats
//	nats:
//	  urls: ["nats://localhost:4222"]
//	subgraphs:
//	  - name: users
//	    url: http://users:4001
//	    instances: ["http://users-1:4001", "http://users-2:4001"]
//	rate_limit:
//	  max_requests: 100
//	  window: 1m
//	  failure_policy: fail_open
//
// Environment overrides: FEDGATE_LISTEN_ADDRESS, FEDGATE_NATS_URLS
// (comma separated), FEDGATE_NATS_USERNAME, FEDGATE_NATS_PASSWORD,
// FEDGATE_NATS_TOKEN, FEDGATE_STORE_MODE, FEDGATE_CACHE_ENABLED,
// FEDGATE_RATE_LIMIT_ENABLED and FEDGATE_RATE_LIMIT_FAILURE_POLICY.
//
// Files are read through a guarded reader that rejects path traversal,
// oversized files and non-regular files.
package config
