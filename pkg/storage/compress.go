// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CompressPage encodes a whole page, header included, for shipping
// shuffle data to another node.
func CompressPage(p *Page) []byte {
	return snappy.Encode(nil, p.Raw())
}

func DecompressPage(buf []byte) (*Page, error) {
	raw, err := snappy.Decode(nil, buf)
	if err != nil {
		return nil, errors.Wrap(err, "decompress page")
	}
	return ParsePage(raw)
}
