package statestore

import (
	"fmt"
	"time"

	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
	"github.com/zeebo/bencode"
)

type diskCheckpoint struct {
	Time     int64  `bencode:"time"`
	Data     string `bencode:"data"`
	Valid    int64  `bencode:"valid"`
	Complete int64  `bencode:"complete"`
}

func toDiskCheckpoint(c storage.Checkpoint, t time.Time) diskCheckpoint {
	d := diskCheckpoint{Data: string(c.Data)}
	if !t.IsZero() {
		d.Time = t.UnixNano()
	}
	if c.Valid {
		d.Valid = 1
	}
	if c.Complete {
		d.Complete = 1
	}
	return d
}

func (d diskCheckpoint) checkpoint() storage.Checkpoint {
	return storage.Checkpoint{Data: []byte(d.Data), Valid: d.Valid != 0, Complete: d.Complete != 0}
}

type diskFile struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

type diskMetadata struct {
	Hash        string     `bencode:"hash"`
	Name        string     `bencode:"name"`
	Files       []diskFile `bencode:"files"`
	PieceLength int64      `bencode:"piece_length"`
	NumPieces   int64      `bencode:"num_pieces"`
	Trackers    [][]string `bencode:"trackers"`
	Private     int64      `bencode:"private"`
}

func toDiskMetadata(m *metainfo.Metadata) diskMetadata {
	d := diskMetadata{
		Hash:        string(m.Hash[:]),
		Name:        m.Name,
		PieceLength: int64(m.PieceLength),
		NumPieces:   int64(m.NumPieces),
		Trackers:    m.Trackers,
	}
	for _, f := range m.Files {
		d.Files = append(d.Files, diskFile{Path: f.Path, Length: f.Length})
	}
	if m.Private {
		d.Private = 1
	}
	return d
}

func (d diskMetadata) metadata() (*metainfo.Metadata, error) {
	h, err := metainfo.HashFromBytes([]byte(d.Hash))
	if err != nil {
		return nil, err
	}
	m := &metainfo.Metadata{
		Hash:        h,
		Name:        d.Name,
		PieceLength: uint32(d.PieceLength),
		NumPieces:   uint32(d.NumPieces),
		Trackers:    d.Trackers,
		Private:     d.Private != 0,
	}
	for _, f := range d.Files {
		m.Files = append(m.Files, metainfo.File{Path: f.Path, Length: f.Length})
	}
	return m, nil
}

// encoded is the serialized form of a record, one value per bucket key.
type encoded map[string][]byte

func (r *Record) encodeLocked() (encoded, error) {
	d := make(encoded)
	var err error
	if d[string(keys.Attributes)], err = bencode.EncodeBytes(r.attrs); err != nil {
		return nil, fmt.Errorf("cannot encode attributes: %w", err)
	}
	if d[string(keys.Parameters)], err = bencode.EncodeBytes(r.params); err != nil {
		return nil, fmt.Errorf("cannot encode parameters: %w", err)
	}
	if r.checkpoint != nil {
		if d[string(keys.Checkpoint)], err = bencode.EncodeBytes(toDiskCheckpoint(*r.checkpoint, time.Time{})); err != nil {
			return nil, fmt.Errorf("cannot encode checkpoint: %w", err)
		}
	}
	hist := make([]diskCheckpoint, 0, len(r.history))
	for _, e := range r.history {
		hist = append(hist, toDiskCheckpoint(e.Checkpoint, e.Time))
	}
	if d[string(keys.History)], err = bencode.EncodeBytes(hist); err != nil {
		return nil, fmt.Errorf("cannot encode history: %w", err)
	}
	if r.trackerCache != nil {
		d[string(keys.TrackerCache)] = append([]byte(nil), r.trackerCache...)
	}
	if r.meta != nil {
		if d[string(keys.Metadata)], err = bencode.EncodeBytes(toDiskMetadata(r.meta)); err != nil {
			return nil, fmt.Errorf("cannot encode metadata: %w", err)
		}
	}
	return d, nil
}

// decode loads the record from its serialized form. Missing keys leave defaults.
func (r *Record) decode(d encoded) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := d[string(keys.Attributes)]; b != nil {
		attrs := make(map[string]Value)
		if err := bencode.DecodeBytes(b, &attrs); err != nil {
			return fmt.Errorf("cannot decode attributes: %w", err)
		}
		r.attrs = attrs
	}
	if b := d[string(keys.Parameters)]; b != nil {
		params := make(map[string]int64)
		if err := bencode.DecodeBytes(b, &params); err != nil {
			return fmt.Errorf("cannot decode parameters: %w", err)
		}
		r.params = params
	}
	if b := d[string(keys.Checkpoint)]; b != nil {
		var dc diskCheckpoint
		if err := bencode.DecodeBytes(b, &dc); err != nil {
			return fmt.Errorf("cannot decode checkpoint: %w", err)
		}
		c := dc.checkpoint()
		r.checkpoint = &c
	}
	if b := d[string(keys.History)]; b != nil {
		var hist []diskCheckpoint
		if err := bencode.DecodeBytes(b, &hist); err != nil {
			return fmt.Errorf("cannot decode history: %w", err)
		}
		r.history = r.history[:0]
		for _, h := range hist {
			r.history = append(r.history, HistoryEntry{Time: time.Unix(0, h.Time), Checkpoint: h.checkpoint()})
		}
	}
	if b := d[string(keys.TrackerCache)]; b != nil {
		r.trackerCache = append([]byte(nil), b...)
	}
	if b := d[string(keys.Metadata)]; b != nil {
		var dm diskMetadata
		if err := bencode.DecodeBytes(b, &dm); err != nil {
			return fmt.Errorf("cannot decode metadata: %w", err)
		}
		m, err := dm.metadata()
		if err != nil {
			return fmt.Errorf("cannot decode metadata: %w", err)
		}
		if m.Hash != r.hash {
			r.log.Errorf("stored metadata is for %s, record is unusable", m.Hash)
			r.unusable = true
		} else {
			r.meta = m
		}
	}
	if b := d[string(keys.SavedAt)]; b != nil {
		if t, err := time.Parse(time.RFC3339, string(b)); err == nil {
			r.savedAt = t
		}
	}
	return nil
}
