package domain

// Action is one line of a commit record. Exactly one field is set; lines
// carrying action kinds this client does not model decode with all fields nil.
type Action struct {
	Protocol   *Protocol   `json:"protocol,omitempty"`
	MetaData   *Metadata   `json:"metaData,omitempty"`
	Add        *AddFile    `json:"add,omitempty"`
	Remove     *RemoveFile `json:"remove,omitempty"`
	CommitInfo *CommitInfo `json:"commitInfo,omitempty"`
}

// AddFile marks a data file as live.
type AddFile struct {
	Path             string            `json:"path"`
	PartitionValues  map[string]string `json:"partitionValues"`
	Size             int64             `json:"size"`
	ModificationTime int64             `json:"modificationTime"`
	DataChange       bool              `json:"dataChange"`
	Stats            string            `json:"stats,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// RemoveFile marks a previously added data file as no longer live.
type RemoveFile struct {
	Path              string            `json:"path"`
	DeletionTimestamp *int64            `json:"deletionTimestamp,omitempty"`
	DataChange        bool              `json:"dataChange"`
	PartitionValues   map[string]string `json:"partitionValues,omitempty"`
	Size              *int64            `json:"size,omitempty"`
}

// CommitInfo is provenance information attached to a commit.
type CommitInfo struct {
	Timestamp           int64          `json:"timestamp"`
	Operation           string         `json:"operation"`
	OperationParameters map[string]any `json:"operationParameters,omitempty"`
	ReadVersion         *int64         `json:"readVersion,omitempty"`
	IsBlindAppend       *bool          `json:"isBlindAppend,omitempty"`
	EngineInfo          string         `json:"engineInfo,omitempty"`
}

// CommitRecord is the ordered list of actions stored at one log version.
type CommitRecord struct {
	Version int64
	Actions []Action
}

// Info returns the commit's provenance action, if any.
func (c *CommitRecord) Info() *CommitInfo {
	for _, a := range c.Actions {
		if a.CommitInfo != nil {
			return a.CommitInfo
		}
	}
	return nil
}
