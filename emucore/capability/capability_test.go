package capability

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-emucore/emucore/component"
)

type irqLine interface {
	Raise(n int)
}

type latch struct{ raised []int }

func (l *latch) Raise(n int) { l.raised = append(l.raised, n) }

type namer interface{ Name() string }

type fixedName string

func (f fixedName) Name() string { return string(f) }

var (
	irqTag  = NewTag[irqLine]("irq")
	nameTag = NewTag[namer]("name")
)

func TestAsAbsentIsNotError(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Register("pic", []Binding{Provide(irqTag, irqLine(&latch{}))}))

	_, ok := As(d, "pic", nameTag)
	assert.False(t, ok)

	_, ok = As(d, "ghost", irqTag)
	assert.False(t, ok)
}

func TestHandleGet(t *testing.T) {
	d := NewDirectory()
	l := &latch{}
	require.NoError(t, d.Register("pic", []Binding{Provide(irqTag, irqLine(l))}))

	h, ok := As(d, "pic", irqTag)
	require.True(t, ok)
	assert.Equal(t, component.ID("pic"), h.Component())

	line, err := h.Get()
	require.NoError(t, err)
	line.Raise(3)
	assert.Equal(t, []int{3}, l.raised)
}

func TestStaleHandle(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Register("pic", []Binding{Provide(irqTag, irqLine(&latch{}))}))

	h, ok := As(d, "pic", irqTag)
	require.True(t, ok)
	assert.True(t, h.Valid())

	// registering another component is a topology mutation
	require.NoError(t, d.Register("uart", []Binding{Provide(nameTag, namer(fixedName("uart")))}))
	assert.False(t, h.Valid())

	_, err := h.Get()
	assert.True(t, errors.Is(err, ErrStaleHandle))

	// looking it up again yields a fresh handle
	h, ok = As(d, "pic", irqTag)
	require.True(t, ok)
	_, err = h.Get()
	assert.NoError(t, err)

	d.Invalidate()
	_, err = h.Get()
	assert.True(t, errors.Is(err, ErrStaleHandle))

	var empty Handle[irqLine]
	_, err = empty.Get()
	assert.True(t, errors.Is(err, ErrStaleHandle))
}

func TestRegisterValidation(t *testing.T) {
	d := NewDirectory()

	err := d.Register("pic", []Binding{
		Provide(irqTag, irqLine(&latch{})),
		Provide(irqTag, irqLine(&latch{})),
	})
	assert.True(t, errors.Is(err, ErrDuplicateTag))
	assert.False(t, d.Has("pic", "irq"), "rejected registration leaves no trace")

	err = d.Register("pic", []Binding{{}})
	assert.True(t, errors.Is(err, ErrInvalidBinding))

	require.NoError(t, d.Register("pic", []Binding{Provide(irqTag, irqLine(&latch{}))}))
	err = d.Validate("pic", []Binding{Provide(irqTag, irqLine(&latch{}))})
	assert.True(t, errors.Is(err, ErrDuplicateTag))
}

func TestTagsAndEach(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Register("b", []Binding{
		Provide(nameTag, namer(fixedName("B"))),
		Provide(irqTag, irqLine(&latch{})),
	}))
	require.NoError(t, d.Register("a", []Binding{Provide(nameTag, namer(fixedName("A")))}))

	assert.Equal(t, []string{"irq", "name"}, d.Tags("b"))
	assert.Empty(t, d.Tags("zzz"))

	var names []string
	Each(d, nameTag, func(id component.ID, h Handle[namer]) {
		n, err := h.Get()
		require.NoError(t, err)
		names = append(names, string(id)+"="+n.Name())
	})
	assert.Equal(t, []string{"a=A", "b=B"}, names)
}
