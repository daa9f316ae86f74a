package statestore

// Keys in the bucket of a record.
var keys = struct {
	Attributes   []byte
	Parameters   []byte
	Checkpoint   []byte
	History      []byte
	TrackerCache []byte
	Metadata     []byte
	SavedAt      []byte
}{
	Attributes:   []byte("attributes"),
	Parameters:   []byte("parameters"),
	Checkpoint:   []byte("checkpoint"),
	History:      []byte("history"),
	TrackerCache: []byte("tracker_cache"),
	Metadata:     []byte("metadata"),
	SavedAt:      []byte("saved_at"),
}

var mainBucket = []byte("downloads")

// Attribute names.
const (
	AttrParameters     = "parameters"
	AttrState          = "state"
	AttrSaveDir        = "savedir"
	AttrDisplayName    = "displayname"
	AttrErrorType      = "errortype"
	AttrErrorDetail    = "errordetail"
	AttrErrorFlags     = "errorflags"
	AttrResumeState    = "resumestate"
	AttrDataAllocated  = "allocated"
	AttrOpenForSeeding = "openforseeding"
	AttrPeerSources    = "peersources"
	AttrNetworks       = "networks"
	AttrTotalReceived  = "downloaded"
	AttrTotalSent      = "uploaded"
	AttrTotalDiscarded = "discarded"
	AttrTotalHashFails = "hashfails"
	AttrLastActive     = "lastactive"
	AttrCompletedTime  = "completedtime"
	AttrScrapeCache    = "scrapecache"
	AttrAddedTime      = "addedtime"
)

// Parameter names.
const (
	ParamMaxPeers               = "max.peers"
	ParamMaxSeeds               = "max.seeds"
	ParamMaxUploads             = "max.uploads"
	ParamMaxUploadsSeeding      = "max.uploads.when.seeding"
	ParamMaxUploadsSeedingOn    = "max.uploads.when.seeding.enabled"
	ParamUploadLimit            = "max.upload"
	ParamDownloadLimit          = "max.download"
	ParamDNDFlags               = "dndflags"
	ParamMaxConnectionsPerAddr  = "max.connections.per.address"
	ParamRetainForceStartOnDone = "retain.force.start"
)

// Bits of the ParamDNDFlags parameter.
const (
	DNDFlagsValid           int64 = 1 << 0
	DNDFlagsHasSkipped      int64 = 1 << 1
	DNDFlagsCompleteExclDND int64 = 1 << 2
)

// Values of AttrResumeState.
const (
	ResumeStateUnknown    int64 = 0
	ResumeStateIncomplete int64 = 1
	ResumeStateComplete   int64 = 2
)

// attributes whose changes are saved lazily.
var lazyAttributes = map[string]bool{
	AttrScrapeCache:    true,
	AttrLastActive:     true,
	AttrTotalReceived:  true,
	AttrTotalSent:      true,
	AttrTotalDiscarded: true,
	AttrTotalHashFails: true,
}

var attributeDefaults = map[string]Value{
	AttrNetworks:    ListValue([]string{"public"}),
	AttrPeerSources: ListValue([]string{"tracker", "dht", "pex", "incoming", "plugin"}),
}

// Per-file state kept while no storage handle is open.
const (
	AttrFilePriorities = "filepriorities"
	AttrFileSkipped    = "fileskipped"
	AttrOnlyEverSeeded = "onlyeverseeded"
)
