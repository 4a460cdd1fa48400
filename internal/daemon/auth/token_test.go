// Copyright 2025 The FAIR Authors
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

package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTokenRoundTrip(t *testing.T) {
	hash, err := HashToken("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$"))

	assert.True(t, VerifyTokenHash("hunter2", hash))
	assert.False(t, VerifyTokenHash("hunter3", hash))
}

func TestHashTokenSalted(t *testing.T) {
	a, err := HashToken("same")
	require.NoError(t, err)
	b, err := HashToken("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, VerifyTokenHash("same", a))
	assert.True(t, VerifyTokenHash("same", b))
}

func TestVerifyTokenHashMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"argon2id",
		"bcrypt$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"argon2id$nonsense$c2FsdA$aGFzaA",
		"argon2id$m=65536,t=1,p=4$!!!$aGFzaA",
		"argon2id$m=65536,t=1,p=4$c2FsdA$!!!",
	} {
		assert.False(t, VerifyTokenHash("token", line), "line %q", line)
	}
}
