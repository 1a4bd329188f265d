package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		jobType Type
		payload string
		wantErr bool
	}{
		{"generate minimal", TypePlanGenerate, `{"topic":"go concurrency"}`, false},
		{"generate full", TypePlanGenerate, `{"topic":"go","title":"Go 101","tier":"pro","preferred_category":true,"weeks":6}`, false},
		{"generate missing topic", TypePlanGenerate, `{"title":"Go 101"}`, true},
		{"generate empty topic", TypePlanGenerate, `{"topic":""}`, true},
		{"generate bad tier", TypePlanGenerate, `{"topic":"go","tier":"platinum"}`, true},
		{"generate unknown field", TypePlanGenerate, `{"topic":"go","pages":9}`, true},
		{"generate not json", TypePlanGenerate, `{"topic":`, true},
		{"regenerate minimal", TypePlanRegenerate, `{"topic":"go"}`, false},
		{"regenerate with feedback", TypePlanRegenerate, `{"topic":"go","feedback":"more exercises"}`, false},
		{"regenerate missing topic", TypePlanRegenerate, `{"feedback":"x"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.jobType, json.RawMessage(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				var perr *PayloadError
				assert.ErrorAs(t, err, &perr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePayload_UnknownType(t *testing.T) {
	err := ValidatePayload("plan_teleport", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidJobType)
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(TypePlanGenerate, json.RawMessage(`{"topic":"kubernetes","weeks":4}`))
	require.NoError(t, err)
	assert.Equal(t, "kubernetes", p.Topic)
	assert.Equal(t, 4, p.Weeks)
}
