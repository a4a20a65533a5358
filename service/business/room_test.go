package business //nolint:testpackage // Tests need access to the unexported registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomRegistry_JoinAndMembers(t *testing.T) {
	reg := newRoomRegistry()

	c1 := poolConn("c1")
	c2 := poolConn("c2")
	reg.join("proj1", c1)
	reg.join("proj1", c2)

	members := reg.members("proj1")
	assert.Len(t, members, 2)
	assert.Equal(t, 2, reg.memberCount("proj1"))
	assert.Equal(t, 1, reg.roomCount())
}

func TestRoomRegistry_RoomsAreIsolated(t *testing.T) {
	reg := newRoomRegistry()

	reg.join("proj1", poolConn("c1"))
	reg.join("proj2", poolConn("c2"))

	assert.Equal(t, 1, reg.memberCount("proj1"))
	assert.Equal(t, 1, reg.memberCount("proj2"))
	assert.Equal(t, 2, reg.roomCount())
}

func TestRoomRegistry_LeaveRemovesEmptyRoom(t *testing.T) {
	reg := newRoomRegistry()

	reg.join("proj1", poolConn("c1"))
	reg.leave("proj1", "c1")

	assert.Empty(t, reg.members("proj1"))
	assert.Equal(t, 0, reg.roomCount())
}

func TestRoomRegistry_LeaveUnknown(t *testing.T) {
	reg := newRoomRegistry()

	assert.NotPanics(t, func() {
		reg.leave("proj1", "c1")
	})
}

func TestRoomRegistry_MembersOfUnknownRoom(t *testing.T) {
	reg := newRoomRegistry()
	assert.Nil(t, reg.members("nope"))
	assert.Equal(t, 0, reg.memberCount("nope"))
}

func TestRoomRegistry_ConcurrentJoinLeave(t *testing.T) {
	reg := newRoomRegistry()

	var wg sync.WaitGroup
	wg.Add(10)
	for g := range 10 {
		go func(id int) {
			defer wg.Done()
			for i := range 50 {
				key := fmt.Sprintf("c-%d-%d", id, i)
				reg.join("proj1", poolConn(key))
				reg.leave("proj1", key)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.memberCount("proj1"))
}
