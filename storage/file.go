package storage

// Priority of a file. Skipped files are not downloaded.
type Priority int

// File priorities.
const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// FileInfo is the live view of one file of an open handle.
type FileInfo interface {
	Index() int
	Path() string
	Length() int64
	Downloaded() int64
	Priority() Priority
	SetPriority(p Priority)
	Skipped() bool
	SetSkipped(v bool)
	AddListener(l FileListener)
	RemoveListener(l FileListener)
}

// FileSet is the list of files of a handle.
type FileSet interface {
	Files() []FileInfo
}

// FileListener is notified about changes of a single file.
type FileListener interface {
	PriorityChanged(f FileInfo)
	Completed(f FileInfo)
}

// Complete reports whether all bytes of the file are downloaded.
func Complete(f FileInfo) bool {
	return f.Downloaded() == f.Length()
}
