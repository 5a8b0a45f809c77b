package ibmmq

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/ibm-messaging/mq-golang/v5/ibmmq"
	"github.com/stretchr/testify/assert"

	"github.com/qvcloud/mqexplorer"
)

type mockObject struct {
	get func(md *ibmmq.MQMD, gmo *ibmmq.MQGMO, buffer []byte) (int, error)
	inq func(selectors []int32) (map[int32]interface{}, error)

	closed bool
}

func (m *mockObject) Get(md *ibmmq.MQMD, gmo *ibmmq.MQGMO, buffer []byte) (int, error) {
	if m.get != nil {
		return m.get(md, gmo, buffer)
	}
	return 0, noMsgAvailable()
}

func (m *mockObject) Inq(selectors []int32) (map[int32]interface{}, error) {
	if m.inq != nil {
		return m.inq(selectors)
	}
	return map[int32]interface{}{}, nil
}

func (m *mockObject) Close(options int32) error {
	m.closed = true
	return nil
}

type mockQmgr struct {
	open func(od *ibmmq.MQOD, openOptions int32) (mqObject, error)
	put1 func(od *ibmmq.MQOD, md *ibmmq.MQMD, pmo *ibmmq.MQPMO, buffer []byte) error

	disconnected bool
}

func (m *mockQmgr) Open(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
	if m.open != nil {
		return m.open(od, openOptions)
	}
	return &mockObject{}, nil
}

func (m *mockQmgr) Put1(od *ibmmq.MQOD, md *ibmmq.MQMD, pmo *ibmmq.MQPMO, buffer []byte) error {
	if m.put1 != nil {
		return m.put1(od, md, pmo, buffer)
	}
	return nil
}

func (m *mockQmgr) Disc() error {
	m.disconnected = true
	return nil
}

func noMsgAvailable() error {
	return &ibmmq.MQReturn{MQCC: ibmmq.MQCC_FAILED, MQRC: ibmmq.MQRC_NO_MSG_AVAILABLE}
}

func testParams() mqexplorer.IBMMQParams {
	return mqexplorer.IBMMQParams{
		QueueManager: "QM1",
		Channel:      "DEV.APP.SVRCONN",
		Host:         "localhost",
		Port:         1414,
	}
}

func newTestProvider(t *testing.T, qmgr mqQueueManager) *mqProvider {
	t.Helper()
	prov, err := NewProvider(testParams())
	assert.NoError(t, err)
	p := prov.(*mqProvider)
	p.newConn = func(params mqexplorer.IBMMQParams) (mqQueueManager, error) {
		return qmgr, nil
	}
	assert.NoError(t, p.Connect(context.Background()))
	return p
}

func TestIBMMQ_ConnectDisconnect(t *testing.T) {
	qmgr := &mockQmgr{}
	p := newTestProvider(t, qmgr)

	assert.True(t, p.IsConnected())
	assert.Equal(t, "ibmmq", p.String())

	assert.NoError(t, p.Disconnect(context.Background()))
	assert.True(t, qmgr.disconnected)
	assert.Equal(t, mqexplorer.StateDisconnected, p.State())
}

func TestIBMMQ_ConnectError(t *testing.T) {
	prov, err := NewProvider(testParams())
	assert.NoError(t, err)
	p := prov.(*mqProvider)
	p.newConn = func(params mqexplorer.IBMMQParams) (mqQueueManager, error) {
		return nil, &ibmmq.MQReturn{MQCC: ibmmq.MQCC_FAILED, MQRC: ibmmq.MQRC_HOST_NOT_AVAILABLE}
	}

	err = p.Connect(context.Background())
	var connErr *mqexplorer.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, mqexplorer.StateError, p.State())
}

func TestIBMMQ_Browse(t *testing.T) {
	msgID1 := []byte{0x41, 0x4d, 0x51, 0x01}
	msgID2 := []byte{0x41, 0x4d, 0x51, 0x02}
	bodies := []string{"alpha", "beta"}
	ids := [][]byte{msgID1, msgID2}

	var call int
	obj := &mockObject{
		get: func(md *ibmmq.MQMD, gmo *ibmmq.MQGMO, buffer []byte) (int, error) {
			if call == 0 {
				assert.NotZero(t, gmo.Options&ibmmq.MQGMO_BROWSE_FIRST)
			} else {
				assert.NotZero(t, gmo.Options&ibmmq.MQGMO_BROWSE_NEXT)
			}
			if call >= len(bodies) {
				return 0, noMsgAvailable()
			}
			md.MsgId = ids[call]
			md.PutDate = "20260810"
			md.PutTime = "12300000"
			md.Priority = 5
			md.Persistence = ibmmq.MQPER_PERSISTENT
			md.Format = ibmmq.MQFMT_STRING
			n := copy(buffer, bodies[call])
			call++
			return n, nil
		},
	}
	qmgr := &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			assert.Equal(t, "DEV.QUEUE.1", od.ObjectName)
			assert.NotZero(t, openOptions&ibmmq.MQOO_BROWSE)
			return obj, nil
		},
	}
	p := newTestProvider(t, qmgr)

	msgs, err := p.BrowseMessages(context.Background(), "DEV.QUEUE.1", mqexplorer.BrowseOptions{})
	assert.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, hex.EncodeToString(msgID1), msgs[0].ID)
	assert.Equal(t, []byte("alpha"), msgs[0].Body)
	assert.Equal(t, 5, msgs[0].Properties.Priority)
	assert.Equal(t, 2, msgs[0].Properties.DeliveryMode)
	assert.Equal(t, "text/plain", msgs[0].Properties.ContentType)
	assert.False(t, msgs[0].Timestamp.IsZero())
	assert.True(t, obj.closed)
	assert.True(t, p.cache.Contains("DEV.QUEUE.1", msgs[1].ID))
}

func TestIBMMQ_UnknownQueue(t *testing.T) {
	qmgr := &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			return nil, &ibmmq.MQReturn{MQCC: ibmmq.MQCC_FAILED, MQRC: ibmmq.MQRC_UNKNOWN_OBJECT_NAME}
		},
	}
	p := newTestProvider(t, qmgr)

	_, err := p.BrowseMessages(context.Background(), "MISSING", mqexplorer.BrowseOptions{})
	var nfErr *mqexplorer.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestIBMMQ_Put(t *testing.T) {
	var putOD *ibmmq.MQOD
	var putMD *ibmmq.MQMD
	qmgr := &mockQmgr{
		put1: func(od *ibmmq.MQOD, md *ibmmq.MQMD, pmo *ibmmq.MQPMO, buffer []byte) error {
			putOD, putMD = od, md
			assert.Equal(t, []byte("hello"), buffer)
			assert.NotZero(t, pmo.Options&ibmmq.MQPMO_NEW_MSG_ID)
			return nil
		},
	}
	p := newTestProvider(t, qmgr)

	err := p.PutMessage(context.Background(), "DEV.QUEUE.1", []byte("hello"), &mqexplorer.MessageProperties{
		Priority:     5,
		DeliveryMode: 2,
		ReplyTo:      "DEV.REPLY",
	})
	assert.NoError(t, err)
	assert.Equal(t, "DEV.QUEUE.1", putOD.ObjectName)
	assert.Equal(t, ibmmq.MQOT_Q, putOD.ObjectType)
	assert.Equal(t, int32(5), putMD.Priority)
	assert.Equal(t, ibmmq.MQPER_PERSISTENT, putMD.Persistence)
	assert.Equal(t, "DEV.REPLY", putMD.ReplyToQ)
}

func TestIBMMQ_PublishTargetsTopic(t *testing.T) {
	qmgr := &mockQmgr{
		put1: func(od *ibmmq.MQOD, md *ibmmq.MQMD, pmo *ibmmq.MQPMO, buffer []byte) error {
			assert.Equal(t, ibmmq.MQOT_TOPIC, od.ObjectType)
			assert.Equal(t, "dev/events", od.ObjectString)
			return nil
		},
	}
	p := newTestProvider(t, qmgr)
	assert.NoError(t, p.PublishMessage(context.Background(), "dev/events", []byte("x"), nil))
}

func TestIBMMQ_ClearQueue(t *testing.T) {
	var gets int
	obj := &mockObject{
		get: func(md *ibmmq.MQMD, gmo *ibmmq.MQGMO, buffer []byte) (int, error) {
			assert.Zero(t, gmo.Options&ibmmq.MQGMO_BROWSE_NEXT)
			if gets < 3 {
				gets++
				return 0, nil
			}
			return 0, noMsgAvailable()
		},
	}
	qmgr := &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			assert.NotZero(t, openOptions&ibmmq.MQOO_INPUT_SHARED)
			return obj, nil
		},
	}
	p := newTestProvider(t, qmgr)
	p.cache.Record("DEV.QUEUE.1", &mqexplorer.Message{ID: "aa"})

	assert.NoError(t, p.ClearQueue(context.Background(), "DEV.QUEUE.1"))
	assert.Equal(t, 3, gets)
	assert.False(t, p.cache.Contains("DEV.QUEUE.1", "aa"))
	assert.True(t, obj.closed)
}

func TestIBMMQ_DeleteMessage(t *testing.T) {
	id := hex.EncodeToString([]byte{0x41, 0x4d, 0x51, 0x07})
	obj := &mockObject{
		get: func(md *ibmmq.MQMD, gmo *ibmmq.MQGMO, buffer []byte) (int, error) {
			assert.Equal(t, ibmmq.MQMO_MATCH_MSG_ID, gmo.MatchOptions)
			assert.Equal(t, []byte{0x41, 0x4d, 0x51, 0x07}, md.MsgId)
			return 0, nil
		},
	}
	qmgr := &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			return obj, nil
		},
	}
	p := newTestProvider(t, qmgr)
	p.cache.Record("DEV.QUEUE.1", &mqexplorer.Message{ID: id})

	res, err := p.DeleteMessage(context.Background(), "DEV.QUEUE.1", id)
	assert.NoError(t, err)
	assert.Equal(t, mqexplorer.DeleteOutcomeRemoved, res.Outcome)
	assert.False(t, p.cache.Contains("DEV.QUEUE.1", id))
	assert.True(t, obj.closed)
}

func TestIBMMQ_DeleteGoneFromBroker(t *testing.T) {
	p := newTestProvider(t, &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			return &mockObject{}, nil
		},
	})
	p.cache.Record("DEV.QUEUE.1", &mqexplorer.Message{ID: "aa"})

	_, err := p.DeleteMessage(context.Background(), "DEV.QUEUE.1", "aa")
	var nfErr *mqexplorer.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestIBMMQ_DeleteRejectsNonHexID(t *testing.T) {
	p := newTestProvider(t, &mockQmgr{})
	p.cache.Record("DEV.QUEUE.1", &mqexplorer.Message{ID: "not-hex!"})

	_, err := p.DeleteMessage(context.Background(), "DEV.QUEUE.1", "not-hex!")
	var vErr *mqexplorer.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestIBMMQ_DeleteUnbrowsedFails(t *testing.T) {
	p := newTestProvider(t, &mockQmgr{})

	_, err := p.DeleteMessage(context.Background(), "DEV.QUEUE.1", "aa")
	var nfErr *mqexplorer.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestIBMMQ_GetQueueProperties(t *testing.T) {
	obj := &mockObject{
		inq: func(selectors []int32) (map[int32]interface{}, error) {
			return map[int32]interface{}{
				ibmmq.MQIA_CURRENT_Q_DEPTH:   int32(7),
				ibmmq.MQIA_MAX_Q_DEPTH:       int32(5000),
				ibmmq.MQIA_OPEN_INPUT_COUNT:  int32(2),
				ibmmq.MQIA_OPEN_OUTPUT_COUNT: int32(1),
				ibmmq.MQCA_Q_DESC:            "order intake   ",
			}, nil
		},
	}
	qmgr := &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			assert.NotZero(t, openOptions&ibmmq.MQOO_INQUIRE)
			return obj, nil
		},
	}
	p := newTestProvider(t, qmgr)

	props, err := p.GetQueueProperties(context.Background(), "DEV.QUEUE.1")
	assert.NoError(t, err)
	assert.Equal(t, int64(7), props.Depth)
	assert.Equal(t, int64(5000), props.MaxDepth)
	assert.Equal(t, int64(2), props.ConsumerCount)
	assert.Equal(t, int64(1), props.ProducerCount)
	assert.Equal(t, "order intake", props.Description)

	depth, err := p.GetQueueDepth(context.Background(), "DEV.QUEUE.1")
	assert.NoError(t, err)
	assert.Equal(t, int64(7), depth)
}

// pcfReply encodes a broker-style admin response with the SDK's own
// codec so the parser is exercised against real PCF bytes.
func pcfReply(control int32, params ...*ibmmq.PCFParameter) []byte {
	cfh := ibmmq.NewMQCFH()
	cfh.Type = ibmmq.MQCFT_RESPONSE
	cfh.Control = control
	cfh.CompCode = ibmmq.MQCC_OK
	cfh.ParameterCount = int32(len(params))
	buf := cfh.Bytes()
	for _, parm := range params {
		buf = append(buf, parm.Bytes()...)
	}
	return buf
}

func TestIBMMQ_ListQueues(t *testing.T) {
	reply := pcfReply(ibmmq.MQCFC_LAST,
		&ibmmq.PCFParameter{Type: ibmmq.MQCFT_STRING, Parameter: ibmmq.MQCACF_Q_NAMES, String: []string{"DEV.QUEUE.1  "}},
		&ibmmq.PCFParameter{Type: ibmmq.MQCFT_STRING, Parameter: ibmmq.MQCACF_Q_NAMES, String: []string{"SYSTEM.ADMIN.COMMAND.QUEUE"}},
		&ibmmq.PCFParameter{Type: ibmmq.MQCFT_STRING, Parameter: ibmmq.MQCACF_Q_NAMES, String: []string{"ORDERS.IN"}},
	)

	replyObj := &mockObject{
		get: func(md *ibmmq.MQMD, gmo *ibmmq.MQGMO, buffer []byte) (int, error) {
			assert.NotZero(t, gmo.Options&ibmmq.MQGMO_WAIT)
			return copy(buffer, reply), nil
		},
	}

	var commandBody []byte
	var replyToQ string
	qmgr := &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			assert.Equal(t, modelReplyQueue, od.ObjectName)
			assert.Equal(t, replyQueueStem, od.DynamicQName)
			// The queue manager fills in the generated dynamic name.
			od.ObjectName = "MQEXPLORER.REPLY.A1B2C3"
			return replyObj, nil
		},
		put1: func(od *ibmmq.MQOD, md *ibmmq.MQMD, pmo *ibmmq.MQPMO, buffer []byte) error {
			assert.Equal(t, commandQueue, od.ObjectName)
			assert.Equal(t, ibmmq.MQFMT_ADMIN, md.Format)
			replyToQ = md.ReplyToQ
			commandBody = buffer
			return nil
		},
	}
	p := newTestProvider(t, qmgr)

	queues, err := p.ListQueues(context.Background(), "")
	assert.NoError(t, err)
	assert.Len(t, queues, 2)
	assert.Equal(t, "DEV.QUEUE.1", queues[0].Name)
	assert.Equal(t, "ORDERS.IN", queues[1].Name)
	assert.Equal(t, "MQEXPLORER.REPLY.A1B2C3", replyToQ)
	assert.True(t, replyObj.closed)

	// The command carries the inquire-queue-names header.
	cfh, _ := ibmmq.ReadPCFHeader(commandBody)
	assert.NotNil(t, cfh)
	assert.Equal(t, ibmmq.MQCMD_INQUIRE_Q_NAMES, cfh.Command)

	filtered, err := p.ListQueues(context.Background(), "orders")
	assert.NoError(t, err)
	assert.Len(t, filtered, 1)
	assert.Equal(t, "ORDERS.IN", filtered[0].Name)
}

func TestIBMMQ_ListQueuesTimeout(t *testing.T) {
	qmgr := &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			return &mockObject{}, nil
		},
	}
	p := newTestProvider(t, qmgr)

	_, err := p.ListQueues(context.Background(), "")
	var mgmtErr *mqexplorer.ManagementError
	assert.ErrorAs(t, err, &mgmtErr)
}

func TestIBMMQ_PCFCommandFailure(t *testing.T) {
	reply := func() []byte {
		cfh := ibmmq.NewMQCFH()
		cfh.Type = ibmmq.MQCFT_RESPONSE
		cfh.Control = ibmmq.MQCFC_LAST
		cfh.CompCode = ibmmq.MQCC_FAILED
		cfh.Reason = ibmmq.MQRC_UNKNOWN_OBJECT_NAME
		return cfh.Bytes()
	}()
	qmgr := &mockQmgr{
		open: func(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
			return &mockObject{
				get: func(md *ibmmq.MQMD, gmo *ibmmq.MQGMO, buffer []byte) (int, error) {
					return copy(buffer, reply), nil
				},
			}, nil
		},
	}
	p := newTestProvider(t, qmgr)

	_, err := p.ListQueues(context.Background(), "")
	var mgmtErr *mqexplorer.ManagementError
	assert.ErrorAs(t, err, &mgmtErr)
	assert.Contains(t, mgmtErr.Error(), "command failed")
}

func TestIBMMQ_NotConnectedGating(t *testing.T) {
	prov, err := NewProvider(testParams())
	assert.NoError(t, err)

	var ncErr *mqexplorer.NotConnectedError
	_, err = prov.ListQueues(context.Background(), "")
	assert.ErrorAs(t, err, &ncErr)
	err = prov.PutMessage(context.Background(), "q", []byte("x"), nil)
	assert.ErrorAs(t, err, &ncErr)
}
