// Copyright 2024 Coinbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/fatih/color"
)

const (
	// AllFilePermissions specifies anyone can do anything
	// to the file.
	AllFilePermissions = 0777

	bytesInKb = float64(1024)
)

// CreateTempDir creates a directory in
// /tmp for usage within testing.
func CreateTempDir() (string, error) {
	storageDir, err := os.MkdirTemp("", "")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary directory: %w", err)
	}

	color.Cyan("Using temporary directory %s", storageDir)
	return storageDir, nil
}

// RemoveTempDir deletes a directory at
// a provided path for usage within testing.
func RemoveTempDir(dir string) {
	color.Yellow("Removing temporary directory %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		log.Fatal(err)
	}
}

// EnsurePathExists creates directories along
// a path if they do not exist.
func EnsurePathExists(path string) error {
	if err := os.MkdirAll(path, os.FileMode(AllFilePermissions)); err != nil {
		return fmt.Errorf("unable to create directory %s: %w", path, err)
	}

	return nil
}

// BtoMb converts B to MB.
func BtoMb(b float64) float64 {
	return b / bytesInKb / bytesInKb
}

// MemoryUsage contains memory usage stats converted
// to MBs.
type MemoryUsage struct {
	Heap               float64 `json:"heap"`
	Stack              float64 `json:"stack"`
	OtherSystem        float64 `json:"other_system"`
	System             float64 `json:"system"`
	GarbageCollections uint32  `json:"garbage_collections"`
}

// MonitorMemoryUsage returns a collection of memory usage
// stats in MB. It will also run garbage collection if the heap
// is greater than maxHeapUsage in MB.
func MonitorMemoryUsage(
	ctx context.Context,
	maxHeapUsage int,
) *MemoryUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	usage := &MemoryUsage{
		Heap:               BtoMb(float64(m.HeapAlloc)),
		Stack:              BtoMb(float64(m.StackInuse)),
		OtherSystem:        BtoMb(float64(m.OtherSys)),
		System:             BtoMb(float64(m.Sys)),
		GarbageCollections: m.NumGC,
	}

	if maxHeapUsage != -1 && usage.Heap > float64(maxHeapUsage) {
		runtime.GC()
	}

	return usage
}
