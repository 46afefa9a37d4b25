package x11

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/xprop"
)

// ErrSelectionOwned is returned when another client owns a selection.
var ErrSelectionOwned = errors.New("selection owned by another client")

// AcquireSelection takes ownership of the named selection for owner. It
// fails with ErrSelectionOwned if a different window holds it.
func (c *Connection) AcquireSelection(name string, owner xproto.Window) error {
	conn := c.XUtil.Conn()
	atom, err := xprop.Atm(c.XUtil, name)
	if err != nil {
		return fmt.Errorf("failed to intern %s: %w", name, err)
	}

	cur, err := xproto.GetSelectionOwner(conn, atom).Reply()
	if err != nil {
		return fmt.Errorf("failed to query %s owner: %w", name, err)
	}
	if cur.Owner != 0 && cur.Owner != owner {
		return fmt.Errorf("%s: %w (window 0x%x)", name, ErrSelectionOwned, cur.Owner)
	}

	if err := xproto.SetSelectionOwnerChecked(conn, owner, atom, xproto.TimeCurrentTime).Check(); err != nil {
		return fmt.Errorf("failed to own %s: %w", name, err)
	}

	// Another client can win a race between the query and the set.
	cur, err = xproto.GetSelectionOwner(conn, atom).Reply()
	if err != nil {
		return fmt.Errorf("failed to confirm %s owner: %w", name, err)
	}
	if cur.Owner != owner {
		return fmt.Errorf("%s: %w (window 0x%x)", name, ErrSelectionOwned, cur.Owner)
	}
	return nil
}

// ReleaseSelection gives up the named selection if owner holds it.
func (c *Connection) ReleaseSelection(name string, owner xproto.Window) error {
	conn := c.XUtil.Conn()
	atom, err := xprop.Atm(c.XUtil, name)
	if err != nil {
		return err
	}
	cur, err := xproto.GetSelectionOwner(conn, atom).Reply()
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return nil
	}
	return xproto.SetSelectionOwnerChecked(conn, 0, atom, xproto.TimeCurrentTime).Check()
}

// RootStrings reads a UTF8_STRING list property from the root window.
func (c *Connection) RootStrings(prop string) ([]string, error) {
	reply, err := xprop.GetProperty(c.XUtil, c.Root, prop)
	if err != nil {
		// An absent property is an empty list.
		return nil, nil
	}
	return xprop.PropValStrs(reply, nil)
}

// SetRootStrings writes a UTF8_STRING list property on the root window.
func (c *Connection) SetRootStrings(prop string, values []string) error {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	return xprop.ChangeProp(c.XUtil, c.Root, 8, prop, "UTF8_STRING", data)
}

// CreateOwnerWindow creates an unmapped input-only window used to own
// selections.
func (c *Connection) CreateOwnerWindow() (xproto.Window, error) {
	conn := c.XUtil.Conn()
	wid, err := xproto.NewWindowId(conn)
	if err != nil {
		return 0, err
	}
	err = xproto.CreateWindowChecked(
		conn,
		0, // depth: copy from parent
		wid,
		c.Root,
		-1, -1,
		1, 1,
		0,
		xproto.WindowClassInputOnly,
		0, // visual: copy from parent
		xproto.CwOverrideRedirect,
		[]uint32{1},
	).Check()
	if err != nil {
		return 0, err
	}
	return wid, nil
}
