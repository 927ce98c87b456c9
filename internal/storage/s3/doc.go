/*
Package s3 implements the attachment object store on Amazon S3 and S3-compatible services.

A Store is bound to one bucket:

	┌───────────────────────────────────────────┐
	│   types.ObjectStore (Store)               │
	│   Upload · Download · Delete              │
	│   ListKeys · DeleteKeys · HealthCheck     │
	└───────────────────────────────────────────┘
	          │                      │
	┌─────────┴─────────┐  ┌─────────┴─────────┐
	│ manager.Uploader  │  │    s3.Client      │
	│ (multipart PUT)   │  │ GET/DELETE/LIST   │
	└───────────────────┘  └───────────────────┘

Uploads stream through the multipart uploader: bodies smaller than Config.PartSize go out
as a single PutObject, larger ones are split into parts sent with Config.Concurrency
workers. ListKeys follows ListObjectsV2 continuation tokens. DeleteKeys sends at most
MaxDeleteBatch keys per DeleteObjects request.

Errors are AttachmentErrors: a missing key is OBJECT_NOT_FOUND, a missing bucket is
OBJECT_STORE_UNAVAILABLE, and other failures carry the STORAGE_*_FAILED code of the
operation with the bucket and key in their context.

NewFactory builds tenant stores from broker binding credentials for separate-instance
mode.
*/
package s3
