package proc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/demandpaging/mem"
)

func TestRSSDecrementerChargesEverySharerOnce(t *testing.T) {
	tbl := newTable(8)
	a, err := tbl.Spawn("A")
	require.NoError(t, err)
	b, err := tbl.Fork(a)
	require.NoError(t, err)

	pte := a.As.Lookup(0)
	require.NotNil(t, pte)
	pa := mem.Pa(mem.PTE_ADDR(*pte))

	aRssBefore, bRssBefore := a.Rss, b.Rss
	tbl.RSSDecrementer(pa)
	assert.Equal(t, aRssBefore-mem.PGSIZE, a.Rss)
	assert.Equal(t, bRssBefore-mem.PGSIZE, b.Rss)

	tbl.RSSIncrementer(pa)
	assert.Equal(t, aRssBefore, a.Rss)
	assert.Equal(t, bRssBefore, b.Rss)
}

func TestRSSDecrementerSkipsNonMatchingProcesses(t *testing.T) {
	tbl := newTable(8)
	a, err := tbl.Spawn("A")
	require.NoError(t, err)
	c, err := tbl.Spawn("C")
	require.NoError(t, err)

	pte := a.As.Lookup(0)
	require.NotNil(t, pte)
	pa := mem.Pa(mem.PTE_ADDR(*pte))

	cRssBefore := c.Rss
	tbl.RSSDecrementer(pa)
	assert.Equal(t, cRssBefore, c.Rss)
}
