// Package storageregistry tracks sandbox and container storage mount
// points and their reference counts (spec §3, §4.2 step 4), and dispatches
// mount requests to a per-storage-type handler, the way pkg/volume +
// pkg/worker/volumes.go in the teacher split mechanism (VolumeManager) from
// policy (VolumesHandler).
package storageregistry
