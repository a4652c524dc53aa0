package darkroom

import "fmt"

// Category names a blob class in the object store.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryOutput    Category = "output"
	CategoryPreview   Category = "preview"
	CategoryThumbnail Category = "thumbnail"
)

// ObjectKey builds the object-store key for one item blob. The scheme is
// {category}/{userId}/{jobId}/{idx} and is shared with the upload-URL
// issuer and the GPU worker, so it must not change shape.
func ObjectKey(cat Category, userID, jobID string, idx int) string {
	return fmt.Sprintf("%s/%s/%s/%d", cat, userID, jobID, idx)
}

// InputKey is shorthand for ObjectKey(CategoryInput, ...).
func InputKey(userID, jobID string, idx int) string {
	return ObjectKey(CategoryInput, userID, jobID, idx)
}

// OutputKey is shorthand for ObjectKey(CategoryOutput, ...).
func OutputKey(userID, jobID string, idx int) string {
	return ObjectKey(CategoryOutput, userID, jobID, idx)
}

// PreviewKey is shorthand for ObjectKey(CategoryPreview, ...).
func PreviewKey(userID, jobID string, idx int) string {
	return ObjectKey(CategoryPreview, userID, jobID, idx)
}
