// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialogStateStringKnownAndDefault(t *testing.T) {
	assert.Equal(t, "CONFIRMED", DialogConfirmed.String())
	assert.Equal(t, "DISCONNECTED", DialogDisconnected.String())
	assert.Equal(t, "NULL", DialogNull.String())
	assert.Equal(t, "NULL", DialogState(99).String())
}
