package download

import (
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/cenkalti/rainctl/storage"
)

// owner is what the storage subsystem sees of a download.
type owner struct {
	d *Download
}

var _ storage.Owner = (*owner)(nil)

func (o *owner) Hash() metainfo.Hash { return o.d.hash }

func (o *owner) SaveDir() string { return o.d.SaveDir() }

func (o *owner) ResumeCheckpoint() *storage.Checkpoint {
	return o.d.record.Checkpoint()
}

func (o *owner) SetResumeCheckpoint(c *storage.Checkpoint) {
	if err := o.d.record.SetCheckpoint(c); err != nil {
		o.d.log.Errorf("cannot save resume checkpoint: %s", err)
	}
}

func (o *owner) DataAlreadyAllocated() bool {
	return o.d.record.Bool(statestore.AttrDataAllocated)
}

func (o *owner) SetDataAlreadyAllocated(v bool) {
	o.d.record.SetBool(statestore.AttrDataAllocated, v)
}
