// Copyright 2025 Google LLC
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

package cfg_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afpfs/cnidd/cfg"
)

func TestDBParamsParsesRecognizedKeys(t *testing.T) {
	data := []byte("cachesize = 65536\nnosync = true\ntxn = false\nflush_frequency = 10\n")

	params, err := cfg.DBParams(data)
	require.NoError(t, err)
	assert.Equal(t, 65536, params.CacheSizeBytes)
	assert.True(t, params.NoSync)
	assert.False(t, params.TxnMode)
	assert.Equal(t, 10*time.Minute, params.FlushFrequency)
}

func TestDBParamsDefaultsWhenEmpty(t *testing.T) {
	params, err := cfg.DBParams(nil)
	require.NoError(t, err)
	assert.True(t, params.TxnMode)
	assert.Equal(t, 30*time.Minute, params.FlushFrequency)
}

func TestDBParamsIgnoresUnrecognizedKeys(t *testing.T) {
	data := []byte("some_future_key = 7\n")

	params, err := cfg.DBParams(data)
	require.NoError(t, err)
	assert.True(t, params.TxnMode) // default preserved
}
