// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trfbatch

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes an order-sensitive structural identity for a document
// batch: an xxhash64 digest over the document count, each document's length,
// and every token id in sequence. It is a consistency check for pairing a
// batch with previously broadcast outputs, not a cryptographic guarantee.
func Fingerprint(docs []Document) uint64 {
	d := xxhash.New()
	writeUint64(d, uint64(len(docs)))
	for _, doc := range docs {
		writeDocument(d, doc)
	}
	return d.Sum64()
}

// DocumentFingerprint computes the per-document variant of Fingerprint, used
// as the output-cache key.
func DocumentFingerprint(doc Document) uint64 {
	d := xxhash.New()
	writeDocument(d, doc)
	return d.Sum64()
}

func writeDocument(d *xxhash.Digest, doc Document) {
	writeUint64(d, uint64(len(doc.Tokens)))
	for _, tok := range doc.Tokens {
		writeUint64(d, tok.ID)
	}
}

func writeUint64(d *xxhash.Digest, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = d.Write(buf[:])
}
