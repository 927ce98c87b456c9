package attachments

import "strings"

const (
	draftsSuffix      = ".drafts"
	attachmentsSuffix = ".attachments"
)

// DraftsOf returns the drafts entity of entity.
func DraftsOf(entity string) string {
	if IsDrafts(entity) {
		return entity
	}
	return entity + draftsSuffix
}

// IsDrafts reports whether entity names a drafts entity.
func IsDrafts(entity string) bool { return strings.HasSuffix(entity, draftsSuffix) }

// ParentOf drops the last dotted segment of name: the active entity of a drafts entity,
// or the record entity of a composition.
func ParentOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return ""
}

// AttachmentsOf returns the attachments composition of a record entity.
func AttachmentsOf(entity string) string { return entity + attachmentsSuffix }
