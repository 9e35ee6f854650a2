// Copyright 2026 The gVisor Authors.
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

package hostarch

import "testing"

func TestPageRoundUp(t *testing.T) {
	for _, test := range []struct {
		in     uint64
		want   uint64
		wantOK bool
	}{
		{in: 0, want: 0, wantOK: true},
		{in: 1, want: PageSize, wantOK: true},
		{in: PageSize, want: PageSize, wantOK: true},
		{in: PageSize + 1, want: 2 * PageSize, wantOK: true},
		{in: ^uint64(0), want: 0, wantOK: false},
	} {
		got, ok := PageRoundUp(test.in)
		if got != test.want || ok != test.wantOK {
			t.Errorf("PageRoundUp(%#x) = (%#x, %t), want (%#x, %t)", test.in, got, ok, test.want, test.wantOK)
		}
	}
}

func TestPagesFor(t *testing.T) {
	if got := PagesFor(4097); got != 2 {
		t.Errorf("PagesFor(4097) = %d, want 2", got)
	}
	if got := PagesFor(0); got != 0 {
		t.Errorf("PagesFor(0) = %d, want 0", got)
	}
}
