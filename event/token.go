// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
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

package event

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Token is the handle of a subscription. Disposing it removes the
// subscription from its channel.
type Token struct {
	id      uuid.UUID
	tag     any
	kind    SubscriptionType
	active  atomic.Bool
	dispose func()
}

func newToken(tag any, kind SubscriptionType, dispose func()) *Token {
	t := &Token{
		id:      uuid.New(),
		tag:     tag,
		kind:    kind,
		dispose: dispose,
	}
	t.active.Store(true)
	return t
}

// ID returns the unique id of the subscription.
func (t *Token) ID() uuid.UUID { return t.id }

// Tag returns the correlation tag, or nil for untagged subscriptions.
func (t *Token) Tag() any { return t.tag }

// Type returns the subscription type.
func (t *Token) Type() SubscriptionType { return t.kind }

// Active reports whether the subscription is still registered. It turns
// false once the token is disposed, the subscription is replaced by another
// one with the same tag, or a reclaimed weak handler is pruned.
func (t *Token) Active() bool { return t.active.Load() }

// Dispose removes the subscription. Calling it more than once is a no-op.
func (t *Token) Dispose() {
	if t.active.Load() {
		t.dispose()
	}
}

// String returns the id of the token.
func (t *Token) String() string { return t.id.String() }
