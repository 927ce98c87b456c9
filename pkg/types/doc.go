/*
Package types defines the contracts shared between the attachment components.

	┌──────────────────────────────────────────────┐
	│        HTTP surface / lifecycle hooks        │
	│        (pkg/api, internal/hooks)             │
	└──────────────────────────────────────────────┘
	                      │
	┌──────────────────────────────────────────────┐
	│     Backend: attachment write/delete         │
	│     coordinator (internal/attachments)       │
	└──────────────────────────────────────────────┘
	        │                 │              │
	┌───────┴──────┐ ┌────────┴──────┐ ┌─────┴─────┐
	│ MetadataStore│ │  ObjectStore  │ │  Scanner  │
	│ (metadata)   │ │ (storage/s3)  │ │ (scanner) │
	└──────────────┘ └───────────────┘ └───────────┘

ObjectStore is bound to a single bucket. In separate-instance mode each tenant gets its
own ObjectStore, resolved from the tenant's broker binding by internal/tenant; in shared
and single-tenant mode one ObjectStore serves everyone.

MetadataStore rows are addressed by entity name and ID. Entity names are dotted paths
such as "Books.attachments"; the drafts variant of an entity appends ".drafts".
*/
package types
