/*
Package adapter builds a running attachment service from its configuration.

The Adapter is the single place where the components are wired together. It owns their
lifecycle and hands them to the HTTP surface and the CLI:

	┌──────────────────────────────────────────────┐
	│       HTTP API / CLI (pkg/api, cmd/...)       │
	└──────────────────────────────────────────────┘
	                      │
	┌──────────────────────────────────────────────┐
	│                ADAPTER LAYER                 │ ← This Package
	│  • configuration to components               │
	│  • subscribe / unsubscribe pipeline          │
	│  • health checks and shutdown                │
	└──────────────────────────────────────────────┘
	     │            │             │            │
	┌────┴─────┐ ┌────┴─────┐ ┌─────┴──────┐ ┌───┴──────┐
	│attachment│ │  tenant  │ │provisioner │ │ teardown │
	│ service  │ │  cache   │ │  (broker)  │ │ sweeper  │
	└──────────┘ └──────────┘ └────────────┘ └──────────┘

# Object store kinds

The object_store.kind setting decides how tenants map to buckets:

single:
One static bucket serves every request. Unsubscribing a tenant removes nothing.

shared:
One static bucket holds every tenant's objects under a "<tenant>/" key prefix.
Unsubscribing a tenant deletes every object under its prefix.

separate:
Each tenant gets a dedicated object store instance from the provisioning broker.
Subscribing provisions the instance and binding, the first request of a tenant builds
its client from the binding, and unsubscribing deletes the instance and drops the
cached client.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("attachments.yaml"); err != nil {
		return err
	}

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Start(ctx)
	err = a.Service().Put(ctx, types.PutRequest{...})

# Health

Start checks the metadata store and, in single and shared mode, the static bucket. The
checks repeat in the background until Close. In separate mode the broker component is
updated from the outcome of each subscribe and unsubscribe call.
*/
package adapter
