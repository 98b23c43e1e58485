package models

import "time"

// WorkerState is the lifecycle state of a worker on a node.
type WorkerState string

const (
	WorkerStatePending WorkerState = "pending"
	WorkerStateOnline  WorkerState = "online"
	WorkerStateExited  WorkerState = "exited"
)

// BundleInfo describes a cached bundle, as returned by GET /bundles/{hash}.
type BundleInfo struct {
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// CreateBundleRequest is the body of POST /bundles/create.
type CreateBundleRequest struct {
	Hash string `json:"hash"`
}

// CreateWorkerRequest is the body of POST /worker. ExtraData is forwarded to
// the child host as-is.
type CreateWorkerRequest struct {
	BundleHash       string       `json:"bundleHash"`
	ExtraData        SpawnOptions `json:"extraData"`
	ExitOnRequestEnd bool         `json:"exitOnRequestEnd"`
}
