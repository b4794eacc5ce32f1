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

func (c *ConvertConfig) Validate() error {
	if c.FromCharset == "" {
		return errRequiredFlag("from-charset", "f")
	}
	if c.ToCharset == "" {
		return errRequiredFlag("to-charset", "t")
	}
	return nil
}

func errRequiredFlag(name, short string) error {
	return &requiredFlagError{name: name, short: short}
}

type requiredFlagError struct {
	name, short string
}

func (e *requiredFlagError) Error() string {
	return "cfg: -" + e.short + "/--" + e.name + " is required"
}
