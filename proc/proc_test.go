package proc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/proc"
	"github.com/biscuit-os/demandpaging/rmap"
	"github.com/biscuit-os/demandpaging/swap"
)

func newTable(frames int) *proc.Table {
	mm := mem.NewPhysmem(frames)
	rm := rmap.New()
	sw := swap.NewTable(4)
	return proc.NewTable(8, mm, rm, sw, nil, 0xFFFFFFFF)
}

func TestSpawnCreatesOnePresentPage(t *testing.T) {
	tbl := newTable(8)
	p, err := tbl.Spawn("init")
	require.NoError(t, err)
	assert.Equal(t, uint32(mem.PGSIZE), p.Size)
	assert.Equal(t, mem.PGSIZE, p.Rss)
	assert.Equal(t, proc.Runnable, p.State)
}

func TestGrowprocGrowsAndShrinks(t *testing.T) {
	tbl := newTable(8)
	p, err := tbl.Spawn("A")
	require.NoError(t, err)

	require.NoError(t, tbl.Growproc(p, 2*mem.PGSIZE))
	assert.Equal(t, uint32(3*mem.PGSIZE), p.Size)
	assert.Equal(t, 3*mem.PGSIZE, p.Rss)

	require.NoError(t, tbl.Growproc(p, -2*mem.PGSIZE))
	assert.Equal(t, uint32(mem.PGSIZE), p.Size)
	assert.Equal(t, mem.PGSIZE, p.Rss)
}

func TestForkSharesParentPages(t *testing.T) {
	tbl := newTable(8)
	a, err := tbl.Spawn("A")
	require.NoError(t, err)

	b, err := tbl.Fork(a)
	require.NoError(t, err)
	assert.Equal(t, a.Size, b.Size)
	assert.Equal(t, a.Rss, b.Rss)
	assert.Equal(t, a, b.Parent)
	assert.Equal(t, proc.Runnable, b.State)
}

func TestExitThenWaitReclaimsChild(t *testing.T) {
	tbl := newTable(8)
	a, err := tbl.Spawn("A")
	require.NoError(t, err)
	b, err := tbl.Fork(a)
	require.NoError(t, err)

	tbl.Exit(b)
	assert.Equal(t, proc.Zombie, b.State)

	pid, ok := tbl.Wait(a)
	assert.True(t, ok)
	assert.Equal(t, b.Pid, pid)
}

func TestExitReparentsChildrenToNil(t *testing.T) {
	tbl := newTable(8)
	a, err := tbl.Spawn("A")
	require.NoError(t, err)
	b, err := tbl.Fork(a)
	require.NoError(t, err)
	c, err := tbl.Fork(b)
	require.NoError(t, err)

	tbl.Exit(b)
	assert.Nil(t, c.Parent)
}

func TestKillSetsFlag(t *testing.T) {
	tbl := newTable(8)
	a, err := tbl.Spawn("A")
	require.NoError(t, err)
	assert.True(t, tbl.Kill(a.Pid))
	assert.True(t, a.Killed)
	assert.False(t, tbl.Kill(9999))
}

func TestAllSkipsUnused(t *testing.T) {
	tbl := newTable(8)
	a, err := tbl.Spawn("A")
	require.NoError(t, err)
	b, err := tbl.Fork(a)
	require.NoError(t, err)
	tbl.Exit(b)
	tbl.Wait(a)

	all := tbl.All()
	assert.Len(t, all, 1)
	assert.Equal(t, a.Pid, all[0].Pid)
}
