package xpipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	name    string
	log     *[]string
	added   int
	removed int
}

func (r *recorder) HandleEvent(ctx *Context, ev any) {
	*r.log = append(*r.log, r.name+":"+ev.(string))
	ctx.FireNext(ev)
}

func (r *recorder) HandlerAdded(*Context)   { r.added++ }
func (r *recorder) HandlerRemoved(*Context) { r.removed++ }

func TestPipeline(t *testing.T) {
	t.Run("ordering", testPipelineOrdering)
	t.Run("remove", testPipelineRemove)
	t.Run("short circuit", testPipelineShortCircuit)
	t.Run("remove while handling", testPipelineRemoveWhileHandling)
}

func testPipelineOrdering(t *testing.T) {
	var log []string
	p := New()
	require.NoError(t, p.AddLast("a", &recorder{name: "a", log: &log}))
	require.NoError(t, p.AddLast("b", &recorder{name: "b", log: &log}))
	require.NoError(t, p.AddLast("c", &recorder{name: "c", log: &log}))

	assert.ErrorIs(t, p.AddLast("b", &recorder{}), ErrDuplicateName)
	assert.Equal(t, []string{"a", "b", "c"}, p.Names())

	p.Fire("x")
	assert.Equal(t, []string{"a:x", "b:x", "c:x"}, log)
}

func testPipelineRemove(t *testing.T) {
	var log []string
	a := &recorder{name: "a", log: &log}
	b := &recorder{name: "b", log: &log}
	p := New()
	require.NoError(t, p.AddLast("a", a))
	require.NoError(t, p.AddLast("b", b))
	assert.Equal(t, 1, a.added)

	h, err := p.Remove("a")
	require.NoError(t, err)
	assert.Same(t, a, h)
	assert.Equal(t, 1, a.removed)
	assert.Nil(t, p.Get("a"))
	assert.Same(t, b, p.Get("b"))
	assert.Equal(t, 1, p.Len())

	_, err = p.Remove("a")
	assert.ErrorIs(t, err, ErrNotFound)

	p.Fire("y")
	assert.Equal(t, []string{"b:y"}, log)

	_, err = p.Remove("b")
	require.NoError(t, err)
	p.Fire("z")
	assert.Equal(t, []string{"b:y"}, log)
	assert.Empty(t, p.Names())
}

func testPipelineShortCircuit(t *testing.T) {
	var log []string
	p := New()
	require.NoError(t, p.AddLast("gate", HandlerFunc(func(ctx *Context, ev any) {
		if ev == "drop" {
			return
		}
		ctx.FireNext(ev)
	})))
	require.NoError(t, p.AddLast("sink", &recorder{name: "sink", log: &log}))

	p.Fire("drop")
	p.Fire("keep")
	assert.Equal(t, []string{"sink:keep"}, log)
}

func testPipelineRemoveWhileHandling(t *testing.T) {
	var log []string
	p := New()
	require.NoError(t, p.AddLast("self-removing", HandlerFunc(func(ctx *Context, ev any) {
		_, _ = ctx.Pipeline().Remove("self-removing")
		ctx.FireNext(ev)
	})))
	require.NoError(t, p.AddLast("sink", &recorder{name: "sink", log: &log}))

	p.Fire("e")
	assert.Empty(t, log, "events fired from a removed handler are dropped")

	p.Fire("f")
	assert.Equal(t, []string{"sink:f"}, log)
}
