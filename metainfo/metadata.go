package metainfo

// File is a single file inside the content.
type File struct {
	Path   []string
	Length int64
}

// Metadata is what the download core knows about the content.
// Parsing torrent files is done elsewhere.
type Metadata struct {
	Hash        Hash
	Name        string
	Files       []File
	PieceLength uint32
	NumPieces   uint32
	Trackers    [][]string
	Private     bool
}

// TotalLength returns the sum of file lengths.
func (m *Metadata) TotalLength() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Length
	}
	return n
}

// HasTrackers reports whether at least one announce URL is present.
func (m *Metadata) HasTrackers() bool {
	for _, tier := range m.Trackers {
		if len(tier) > 0 {
			return true
		}
	}
	return false
}
