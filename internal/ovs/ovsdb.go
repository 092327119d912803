package ovs

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

const ovsdbDatabase = "Open_vSwitch"

// DBClient drives the switch over the OVSDB management protocol
// (RFC 7047) on the local unix socket. It is the transport used at
// VM-creation time, where a connection is held open across operations.
type DBClient struct {
	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	nextID int
}

// DialDB connects to the OVSDB unix socket.
func DialDB(socket string) (*DBClient, error) {
	conn, err := net.DialTimeout("unix", socket, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to OVSDB at %s: %w", socket, err)
	}
	return &DBClient{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close releases the database connection.
func (c *DBClient) Close() error { return c.conn.Close() }

type rpcMessage struct {
	ID     *int            `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// rpc performs one JSON-RPC call. Server-initiated echo requests arriving
// between our request and its response are answered inline, as required to
// keep the session alive.
func (c *DBClient) rpc(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := map[string]any{"method": method, "params": json.RawMessage(rawParams), "id": id}
	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("OVSDB send %s: %w", method, err)
	}

	for {
		var msg rpcMessage
		if err := c.dec.Decode(&msg); err != nil {
			return nil, fmt.Errorf("OVSDB receive: %w", err)
		}
		if msg.Method == "echo" {
			reply := map[string]any{"id": msg.ID, "result": msg.Params, "error": nil}
			if err := c.enc.Encode(reply); err != nil {
				return nil, fmt.Errorf("OVSDB echo reply: %w", err)
			}
			continue
		}
		if msg.ID == nil || *msg.ID != id {
			continue
		}
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			return nil, fmt.Errorf("OVSDB %s: %s", method, msg.Error)
		}
		return msg.Result, nil
	}
}

// transact runs a single operation against the Open_vSwitch database and
// returns its result object.
func (c *DBClient) transact(op map[string]any) (json.RawMessage, error) {
	result, err := c.rpc("transact", []any{ovsdbDatabase, op})
	if err != nil {
		return nil, err
	}
	var results []json.RawMessage
	if err := json.Unmarshal(result, &results); err != nil {
		return nil, fmt.Errorf("OVSDB transact result: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("OVSDB transact: empty result")
	}
	var opErr struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(results[0], &opErr); err == nil && opErr.Error != "" {
		return nil, fmt.Errorf("OVSDB operation failed: %s: %s", opErr.Error, opErr.Details)
	}
	return results[0], nil
}

// portRow is the wire shape of a Port table row. Scalar-or-empty-set
// columns arrive either as a plain value or as ["set", [...]].
type portRow struct {
	UUID     ovsdbValue `json:"_uuid"`
	Name     string     `json:"name"`
	VLANMode ovsdbValue `json:"vlan_mode"`
	Tag      ovsdbValue `json:"tag"`
	Trunks   ovsdbValue `json:"trunks"`
}

func (c *DBClient) selectPort(name string) (*portRow, error) {
	result, err := c.transact(map[string]any{
		"op":      "select",
		"table":   "Port",
		"where":   []any{[]any{"name", "==", name}},
		"columns": []string{"_uuid", "name", "vlan_mode", "tag", "trunks"},
	})
	if err != nil {
		return nil, &QueryError{Port: name, Err: err}
	}
	var rows struct {
		Rows []portRow `json:"rows"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return nil, &QueryError{Port: name, Err: err}
	}
	if len(rows.Rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPortNotFound, name)
	}
	return &rows.Rows[0], nil
}

func (c *DBClient) PortState(name string) (PortState, error) {
	row, err := c.selectPort(name)
	if err != nil {
		return PortState{}, err
	}
	bridge, err := c.bridgeOfPortUUID(name, row.UUID)
	if err != nil {
		return PortState{}, err
	}
	return PortState{
		Bridge:   bridge,
		VLANMode: row.VLANMode.asString(),
		Tag:      row.Tag.asInt(),
		Trunks:   row.Trunks.asIntSet(),
	}, nil
}

func (c *DBClient) PortBridge(name string) (string, error) {
	row, err := c.selectPort(name)
	if err != nil {
		return "", err
	}
	return c.bridgeOfPortUUID(name, row.UUID)
}

func (c *DBClient) BridgeExists(name string) (bool, error) {
	result, err := c.transact(map[string]any{
		"op":      "select",
		"table":   "Bridge",
		"where":   []any{[]any{"name", "==", name}},
		"columns": []string{"name"},
	})
	if err != nil {
		return false, &QueryError{Port: name, Err: err}
	}
	var rows struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return false, &QueryError{Port: name, Err: err}
	}
	return len(rows.Rows) > 0, nil
}

// SetPort applies all assignments as one update operation, so the row
// never exposes a partially rewritten configuration.
func (c *DBClient) SetPort(name string, assigns []Assignment) error {
	row := map[string]any{}
	for _, a := range assigns {
		row[a.Column] = toOVSDBValue(a.Value)
	}
	_, err := c.transact(map[string]any{
		"op":    "update",
		"table": "Port",
		"where": []any{[]any{"name", "==", name}},
		"row":   row,
	})
	if err != nil {
		return fmt.Errorf("update port %s: %w", name, err)
	}
	return nil
}

// bridgeOfPortUUID finds the bridge whose ports column includes the given
// port row.
func (c *DBClient) bridgeOfPortUUID(port string, uuid ovsdbValue) (string, error) {
	id := uuid.asUUID()
	if id == "" {
		return "", &QueryError{Port: port, Err: fmt.Errorf("port row has no uuid")}
	}
	result, err := c.transact(map[string]any{
		"op":      "select",
		"table":   "Bridge",
		"where":   []any{[]any{"ports", "includes", []any{"uuid", id}}},
		"columns": []string{"name"},
	})
	if err != nil {
		return "", &QueryError{Port: port, Err: err}
	}
	var rows struct {
		Rows []struct {
			Name string `json:"name"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return "", &QueryError{Port: port, Err: err}
	}
	if len(rows.Rows) == 0 {
		return "", &QueryError{Port: port, Err: fmt.Errorf("no bridge owns port")}
	}
	return rows.Rows[0].Name, nil
}

// toOVSDBValue renders an assignment value as an OVSDB JSON value. Clears
// become the empty set.
func toOVSDBValue(v any) any {
	switch val := v.(type) {
	case nil:
		return []any{"set", []any{}}
	case []int:
		members := make([]any, len(val))
		for i, n := range val {
			members[i] = n
		}
		return []any{"set", members}
	default:
		return val
	}
}

// ovsdbValue decodes an OVSDB column that may be a scalar, a set, or a
// uuid pair.
type ovsdbValue struct {
	raw json.RawMessage
}

func (v *ovsdbValue) UnmarshalJSON(data []byte) error {
	v.raw = append(v.raw[:0], data...)
	return nil
}

func (v ovsdbValue) asString() string {
	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		return s
	}
	return ""
}

func (v ovsdbValue) asInt() int {
	var n int
	if err := json.Unmarshal(v.raw, &n); err == nil {
		return n
	}
	return 0
}

func (v ovsdbValue) asUUID() string {
	var pair []json.RawMessage
	if err := json.Unmarshal(v.raw, &pair); err != nil || len(pair) != 2 {
		return ""
	}
	var kind, id string
	if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "uuid" {
		return ""
	}
	if err := json.Unmarshal(pair[1], &id); err != nil {
		return ""
	}
	return id
}

// asIntSet handles both the scalar form (single member sets) and the
// ["set", [...]] form.
func (v ovsdbValue) asIntSet() []int {
	var n int
	if err := json.Unmarshal(v.raw, &n); err == nil {
		return []int{n}
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(v.raw, &pair); err != nil || len(pair) != 2 {
		return nil
	}
	var kind string
	if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "set" {
		return nil
	}
	var members []int
	if err := json.Unmarshal(pair[1], &members); err != nil {
		return nil
	}
	return members
}
