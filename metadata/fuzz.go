// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package metadata

import "github.com/saferwall/ctf"

// Fuzz feeds data to Build and, if that succeeds, exercises it further by
// opening a trace from it with no data streams at all: the part of
// ctf.Open/OpenMmap reachable from metadata alone without a real packet
// file on disk.
//
// This lives here rather than in package ctf (whose own go.mod this
// mirrors the teacher's go-fuzz harness from) because ctf never imports
// metadata — only metadata imports ctf — and a Fuzz entry point that
// drives Build has to live on the importing side of that boundary.
func Fuzz(data []byte) int {
	tt, err := Build(string(data))
	if err != nil {
		return 0
	}
	_ = tt

	_, err = ctf.OpenMmap([]ctf.MmapStream{{Name: "metadata", Data: data}}, &ctf.Options{
		MetadataBuilder: Build,
	})
	if err != nil {
		return 0
	}
	return 1
}
