// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint identifies a key secret in logs and audit entries without
// revealing it: the first 8 bytes of its BLAKE3 digest, hex encoded.
func Fingerprint(secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
