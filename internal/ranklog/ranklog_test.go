// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ranklog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	msgs []string
}

func (c *captured) sink(severity Severity, _ int, msg string) {
	c.msgs = append(c.msgs, fmt.Sprintf("%s %s", severity, msg))
}

func TestLoggerPanicsWithoutRank(t *testing.T) {
	ResetGlobalRank()
	defer ResetGlobalRank()
	c := &captured{}
	l := New().WithSink(c.sink)
	require.Panics(t, func() { l.Infof("hello") })
	assert.Empty(t, c.msgs)
}

func TestLoggerModes(t *testing.T) {
	defer ResetGlobalRank()
	c := &captured{}
	all := New().WithSink(c.sink)
	zero := RankZeroOnly().WithSink(c.sink)

	SetGlobalRank(0)
	all.Infof("a %d", 1)
	zero.Warningf("b")
	all.OnRank(1).Errorf("c")
	all.OnRank(0).Errorf("d")
	assert.Equal(t, []string{
		"INFO [rank: 0] a 1",
		"WARNING [rank: 0] b",
		"ERROR [rank: 0] d",
	}, c.msgs)

	c.msgs = nil
	SetGlobalRank(1)
	all.Infof("a")
	zero.Infof("b")
	zero.OnRank(1).Infof("c")
	all.OnRank(1).Log(SeverityWarning, "d")
	assert.Equal(t, []string{
		"INFO [rank: 1] a",
		"WARNING [rank: 1] d",
	}, c.msgs)

	c.msgs = nil
	DisableWarnings(true)
	all.Warningf("silenced")
	all.Errorf("kept")
	DisableWarnings(false)
	assert.Equal(t, []string{"ERROR [rank: 1] kept"}, c.msgs)
}

func TestInitFromEnv(t *testing.T) {
	defer ResetGlobalRank()
	for _, name := range RankEnvVars {
		t.Setenv(name, "")
	}
	rank, err := InitFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
	assert.True(t, IsRankZero())

	t.Setenv("SLURM_PROCID", "3")
	t.Setenv("LOCAL_RANK", "2")
	rank, err = InitFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, rank, "LOCAL_RANK has precedence over SLURM_PROCID")
	assert.False(t, IsRankZero())

	t.Setenv("RANK", "x")
	_, err = InitFromEnv()
	require.Error(t, err)

	ResetGlobalRank()
	_, ok := GlobalRank()
	assert.False(t, ok)
	assert.False(t, IsRankZero())
}
