/*
Package config loads the attachment service configuration.

Configuration is layered, lowest priority first:

	┌─────────────────────────────────────────────┐
	│           Default Values                    │  NewDefault
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │  LoadFromFile
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│       Environment (ATTACHMENTS_*)           │  LoadFromEnv
	└─────────────────────────────────────────────┘

Validate is run once all layers are applied.

# Object store kinds

single and shared use one static bucket from object_store; shared additionally scopes keys
by tenant and sweeps them on unsubscribe. separate provisions a bucket per tenant through the
service manager and requires multitenancy to be enabled.

# Example

	global:
	  log_level: INFO
	  log_format: json
	  listen_address: ":8080"
	multitenancy: true
	object_store:
	  kind: separate
	  part_size: 8MiB
	  concurrency: 4
	service_manager:
	  sm_url: https://service-manager.example.com
	  url: https://auth.example.com
	  clientid: attachments
	  clientsecret: secret
	  plans: [standard, s3-standard]
	  poll_interval: 5s
	  poll_timeout: 5m
	metadata:
	  driver: sqlite
	  dsn: /var/lib/attachments/metadata.db
	attachments:
	  entities: [Books.attachments]
*/
package config
