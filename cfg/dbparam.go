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

package cfg

import (
	"bytes"
	"time"

	"github.com/spf13/viper"

	"github.com/afpfs/cnidd/internal/catalogstore"
)

// DBParams reads a volume's db_param file — spec.md §6's "plain text, key
// = value pairs" format — the same shape Java-style .properties files
// use, so it is parsed with viper's "properties" config type (backed by
// github.com/magiconair/properties, already in the teacher's dependency
// graph via viper) rather than a hand-rolled line scanner.
//
// Recognized keys: cachesize (bytes), nosync (bool), txn (bool),
// flush_frequency (minutes). Unrecognized keys are ignored, matching the
// reference implementation's tolerance for forward-compatible db_param
// files.
func DBParams(data []byte) (catalogstore.Params, error) {
	params := catalogstore.DefaultParams()

	v := viper.New()
	v.SetConfigType("properties")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return params, err
	}

	if v.IsSet("cachesize") {
		params.CacheSizeBytes = v.GetInt("cachesize")
	}
	if v.IsSet("nosync") {
		params.NoSync = v.GetBool("nosync")
	}
	if v.IsSet("txn") {
		params.TxnMode = v.GetBool("txn")
	}
	if v.IsSet("flush_frequency") {
		params.FlushFrequency = time.Duration(v.GetInt("flush_frequency")) * time.Minute
	}

	return params, nil
}
