// Copyright 2026 The Replikit Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package errkind_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/replikit/syncengine/internal/errkind"
	"github.com/stretchr/testify/assert"
)

func TestWrapAndMatch(t *testing.T) {
	cause := errors.New("permission denied")
	err := errkind.New(errkind.KindOriginUnsupported, cause)

	assert.True(t, errkind.Is(err, errkind.KindOriginUnsupported))
	assert.False(t, errkind.Is(err, errkind.KindPushFailure))
	assert.Equal(t, errkind.KindUnknown, errkind.Of(errors.New("plain")))
	assert.ErrorIs(t, err, cause)
}
