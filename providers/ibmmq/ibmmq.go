package ibmmq

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ibm-messaging/mq-golang/v5/ibmmq"

	"github.com/qvcloud/mqexplorer"
)

const (
	commandQueue    = "SYSTEM.ADMIN.COMMAND.QUEUE"
	modelReplyQueue = "SYSTEM.DEFAULT.MODEL.QUEUE"
	replyQueueStem  = "MQEXPLORER.REPLY.*"

	// Browsed bodies are read with truncation accepted; anything larger
	// than this is cut off rather than failing the whole browse.
	browseBufferSize = 1024 * 1024
)

type mqObject interface {
	Get(md *ibmmq.MQMD, gmo *ibmmq.MQGMO, buffer []byte) (int, error)
	Inq(selectors []int32) (map[int32]interface{}, error)
	Close(options int32) error
}

type mqQueueManager interface {
	Open(od *ibmmq.MQOD, openOptions int32) (mqObject, error)
	Put1(od *ibmmq.MQOD, md *ibmmq.MQMD, pmo *ibmmq.MQPMO, buffer []byte) error
	Disc() error
}

type qmgrWrapper struct {
	qmgr ibmmq.MQQueueManager
}

func (w *qmgrWrapper) Open(od *ibmmq.MQOD, openOptions int32) (mqObject, error) {
	obj, err := w.qmgr.Open(od, openOptions)
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func (w *qmgrWrapper) Put1(od *ibmmq.MQOD, md *ibmmq.MQMD, pmo *ibmmq.MQPMO, buffer []byte) error {
	return w.qmgr.Put1(od, md, pmo, buffer)
}

func (w *qmgrWrapper) Disc() error {
	return w.qmgr.Disc()
}

// mqProvider implements the provider contract against IBM MQ over
// client bindings. Listings and topic status go through PCF commands on
// the queue manager's admin queue; everything else is plain MQI.
type mqProvider struct {
	params mqexplorer.IBMMQParams
	opts   *mqexplorer.Options

	state mqexplorer.StateTracker
	cache *mqexplorer.MessageCache

	mu   sync.RWMutex
	qmgr mqQueueManager

	// Internal factory for testing
	newConn func(params mqexplorer.IBMMQParams) (mqQueueManager, error)
}

// NewProvider builds an IBM MQ provider from its connection params.
func NewProvider(params mqexplorer.IBMMQParams, opts ...mqexplorer.Option) (mqexplorer.Provider, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &mqProvider{
		params:  params,
		opts:    mqexplorer.NewOptions(opts...),
		cache:   mqexplorer.NewMessageCache(),
		newConn: dialQueueManager,
	}, nil
}

func dialQueueManager(params mqexplorer.IBMMQParams) (mqQueueManager, error) {
	cd := ibmmq.NewMQCD()
	cd.ChannelName = params.Channel
	cd.ConnectionName = fmt.Sprintf("%s(%d)", params.Host, params.Port)

	cno := ibmmq.NewMQCNO()
	cno.ClientConn = cd
	cno.Options = ibmmq.MQCNO_CLIENT_BINDING

	if params.Username != "" {
		csp := ibmmq.NewMQCSP()
		csp.AuthenticationType = ibmmq.MQCSP_AUTH_USER_ID_AND_PWD
		csp.UserId = params.Username
		csp.Password = params.Password
		cno.SecurityParms = csp
	}

	qmgr, err := ibmmq.Connx(params.QueueManager, cno)
	if err != nil {
		return nil, err
	}
	return &qmgrWrapper{qmgr: qmgr}, nil
}

func (p *mqProvider) String() string { return "ibmmq" }

func (p *mqProvider) IsConnected() bool                 { return p.state.Connected() }
func (p *mqProvider) State() mqexplorer.ConnectionState { return p.state.State() }

func (p *mqProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Connected() {
		return nil
	}
	p.state.SetState(mqexplorer.StateConnecting)
	p.opts.Logger.Logf("ibmmq: connecting to %s at %s(%d)", p.params.QueueManager, p.params.Host, p.params.Port)

	qmgr, err := p.newConn(p.params)
	if err != nil {
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("ibmmq: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}

	p.qmgr = qmgr
	p.state.SetState(mqexplorer.StateConnected)
	p.opts.Logger.Log("ibmmq: connected")
	return nil
}

func (p *mqProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.qmgr != nil {
		if err := p.qmgr.Disc(); err != nil {
			p.opts.Logger.Logf("ibmmq: disconnect: %v", err)
		}
		p.qmgr = nil
	}
	p.cache.ClearAll()
	p.state.SetState(mqexplorer.StateDisconnected)
	p.opts.Logger.Log("ibmmq: disconnected")
	return nil
}

func (p *mqProvider) manager() (mqQueueManager, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.state.Connected() || p.qmgr == nil {
		return nil, &mqexplorer.NotConnectedError{Provider: p.String()}
	}
	return p.qmgr, nil
}

func (p *mqProvider) openQueue(queue string, options int32) (mqObject, error) {
	qmgr, err := p.manager()
	if err != nil {
		return nil, err
	}
	od := ibmmq.NewMQOD()
	od.ObjectType = ibmmq.MQOT_Q
	od.ObjectName = queue
	obj, err := qmgr.Open(od, options|ibmmq.MQOO_FAIL_IF_QUIESCING)
	if err != nil {
		if mqrc(err) == ibmmq.MQRC_UNKNOWN_OBJECT_NAME {
			return nil, &mqexplorer.NotFoundError{Queue: queue}
		}
		return nil, err
	}
	return obj, nil
}

func (p *mqProvider) ListQueues(ctx context.Context, filter string) ([]mqexplorer.QueueInfo, error) {
	nameParam := &ibmmq.PCFParameter{
		Type:      ibmmq.MQCFT_STRING,
		Parameter: ibmmq.MQCA_Q_NAME,
		String:    []string{"*"},
	}
	typeParam := &ibmmq.PCFParameter{
		Type:       ibmmq.MQCFT_INTEGER,
		Parameter:  ibmmq.MQIA_Q_TYPE,
		Int64Value: []int64{int64(ibmmq.MQQT_LOCAL)},
	}
	replies, err := p.pcfCommand(ctx, ibmmq.MQCMD_INQUIRE_Q_NAMES, nameParam, typeParam)
	if err != nil {
		return nil, err
	}

	infos := []mqexplorer.QueueInfo{}
	for _, parm := range replies {
		if parm.Parameter != ibmmq.MQCACF_Q_NAMES {
			continue
		}
		for _, raw := range parm.String {
			name := strings.TrimSpace(raw)
			if name == "" || strings.HasPrefix(name, "SYSTEM.") || strings.HasPrefix(name, "AMQ.") {
				continue
			}
			if !mqexplorer.MatchFilter(name, filter) {
				continue
			}
			infos = append(infos, mqexplorer.QueueInfo{
				Name:   name,
				Type:   "queue",
				Status: "active",
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (p *mqProvider) ListTopics(ctx context.Context, filter string) ([]mqexplorer.TopicInfo, error) {
	nameParam := &ibmmq.PCFParameter{
		Type:      ibmmq.MQCFT_STRING,
		Parameter: ibmmq.MQCA_TOPIC_NAME,
		String:    []string{"*"},
	}
	replies, err := p.pcfCommand(ctx, ibmmq.MQCMD_INQUIRE_TOPIC_NAMES, nameParam)
	if err != nil {
		return nil, err
	}

	infos := []mqexplorer.TopicInfo{}
	for _, parm := range replies {
		if parm.Parameter != ibmmq.MQCACF_TOPIC_NAMES {
			continue
		}
		for _, raw := range parm.String {
			name := strings.TrimSpace(raw)
			if name == "" || strings.HasPrefix(name, "SYSTEM.") {
				continue
			}
			if !mqexplorer.MatchFilter(name, filter) {
				continue
			}
			infos = append(infos, mqexplorer.TopicInfo{Name: name, Type: "topic", Status: "active"})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (p *mqProvider) BrowseMessages(ctx context.Context, queue string, opts mqexplorer.BrowseOptions) ([]mqexplorer.Message, error) {
	qObj, err := p.openQueue(queue, ibmmq.MQOO_BROWSE)
	if err != nil {
		return nil, err
	}
	defer qObj.Close(0)

	limit := opts.Limit
	if limit <= 0 {
		limit = mqexplorer.DefaultBrowseLimit
	}

	var (
		out     = []mqexplorer.Message{}
		skipped int
		first   = true
		buf     = make([]byte, browseBufferSize)
	)
	for len(out) < limit {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		md := ibmmq.NewMQMD()
		gmo := ibmmq.NewMQGMO()
		gmo.Options = ibmmq.MQGMO_NO_WAIT | ibmmq.MQGMO_ACCEPT_TRUNCATED_MSG | ibmmq.MQGMO_FAIL_IF_QUIESCING
		if first {
			gmo.Options |= ibmmq.MQGMO_BROWSE_FIRST
			first = false
		} else {
			gmo.Options |= ibmmq.MQGMO_BROWSE_NEXT
		}

		datalen, err := qObj.Get(md, gmo, buf)
		if err != nil {
			if mqrc(err) == ibmmq.MQRC_NO_MSG_AVAILABLE {
				break
			}
			p.opts.Logger.Logf("ibmmq: browse %s: %v", queue, err)
			return nil, err
		}

		msg := normalizeMQMessage(md, buf[:datalen])
		if opts.Filter != "" && !strings.Contains(strings.ToLower(string(msg.Body)), strings.ToLower(opts.Filter)) {
			continue
		}
		if skipped < opts.StartPosition {
			skipped++
			continue
		}
		p.cache.Record(queue, &msg)
		out = append(out, msg)
	}
	return out, nil
}

func (p *mqProvider) PutMessage(ctx context.Context, queue string, payload []byte, props *mqexplorer.MessageProperties) error {
	qmgr, err := p.manager()
	if err != nil {
		return err
	}

	od := ibmmq.NewMQOD()
	od.ObjectType = ibmmq.MQOT_Q
	od.ObjectName = queue

	md, pmo := putDescriptors(props)
	if err := qmgr.Put1(od, md, pmo, payload); err != nil {
		if mqrc(err) == ibmmq.MQRC_UNKNOWN_OBJECT_NAME {
			return &mqexplorer.NotFoundError{Queue: queue}
		}
		p.opts.Logger.Logf("ibmmq: put to %s: %v", queue, err)
		return err
	}
	p.opts.Logger.Logf("ibmmq: put message to %s", queue)
	return nil
}

func (p *mqProvider) PublishMessage(ctx context.Context, topic string, payload []byte, props *mqexplorer.MessageProperties) error {
	qmgr, err := p.manager()
	if err != nil {
		return err
	}

	od := ibmmq.NewMQOD()
	od.ObjectType = ibmmq.MQOT_TOPIC
	od.ObjectString = topic

	md, pmo := putDescriptors(props)
	if err := qmgr.Put1(od, md, pmo, payload); err != nil {
		p.opts.Logger.Logf("ibmmq: publish to %s: %v", topic, err)
		return err
	}
	p.opts.Logger.Logf("ibmmq: published message to %s", topic)
	return nil
}

func (p *mqProvider) ClearQueue(ctx context.Context, queue string) error {
	qObj, err := p.openQueue(queue, ibmmq.MQOO_INPUT_SHARED)
	if err != nil {
		return err
	}
	defer qObj.Close(0)

	// Destructive gets with a one-byte buffer; truncation is accepted
	// because the body is thrown away anyway.
	buf := make([]byte, 1)
	var removed int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		md := ibmmq.NewMQMD()
		gmo := ibmmq.NewMQGMO()
		gmo.Options = ibmmq.MQGMO_NO_WAIT | ibmmq.MQGMO_ACCEPT_TRUNCATED_MSG | ibmmq.MQGMO_NO_SYNCPOINT | ibmmq.MQGMO_FAIL_IF_QUIESCING
		if _, err := qObj.Get(md, gmo, buf); err != nil {
			if mqrc(err) == ibmmq.MQRC_NO_MSG_AVAILABLE {
				break
			}
			return err
		}
		removed++
	}

	p.cache.Clear(queue)
	p.opts.Logger.Logf("ibmmq: cleared %d message(s) from %s", removed, queue)
	return nil
}

func (p *mqProvider) DeleteMessage(ctx context.Context, queue, id string) (mqexplorer.DeleteResult, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	if !p.cache.Contains(queue, id) {
		return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
	}
	msgID, err := hex.DecodeString(id)
	if err != nil {
		return mqexplorer.DeleteResult{}, &mqexplorer.ValidationError{Field: "id", Reason: "not a hex message id"}
	}

	qObj, err := p.openQueue(queue, ibmmq.MQOO_INPUT_SHARED)
	if err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	defer qObj.Close(0)

	md := ibmmq.NewMQMD()
	md.MsgId = msgID
	gmo := ibmmq.NewMQGMO()
	gmo.Options = ibmmq.MQGMO_NO_WAIT | ibmmq.MQGMO_ACCEPT_TRUNCATED_MSG | ibmmq.MQGMO_NO_SYNCPOINT | ibmmq.MQGMO_FAIL_IF_QUIESCING
	gmo.MatchOptions = ibmmq.MQMO_MATCH_MSG_ID

	buf := make([]byte, 1)
	if _, err := qObj.Get(md, gmo, buf); err != nil {
		if mqrc(err) == ibmmq.MQRC_NO_MSG_AVAILABLE {
			p.opts.Logger.Logf("ibmmq: delete %s on %s: message no longer present", id, queue)
			return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
		}
		return mqexplorer.DeleteResult{}, err
	}

	p.cache.Remove(queue, id)
	p.opts.Logger.Logf("ibmmq: deleted message %s from %s", id, queue)
	return mqexplorer.DeleteResult{ID: id, Outcome: mqexplorer.DeleteOutcomeRemoved}, nil
}

func (p *mqProvider) DeleteMessages(ctx context.Context, queue string, ids []string) (mqexplorer.BatchDeleteResult, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return mqexplorer.BatchDeleteResult{}, err
	}
	return mqexplorer.DeleteEach(ctx, p, queue, ids), nil
}

func (p *mqProvider) GetQueueProperties(ctx context.Context, queue string) (*mqexplorer.QueueProperties, error) {
	qObj, err := p.openQueue(queue, ibmmq.MQOO_INQUIRE)
	if err != nil {
		return nil, err
	}
	defer qObj.Close(0)

	values, err := qObj.Inq([]int32{
		ibmmq.MQIA_CURRENT_Q_DEPTH,
		ibmmq.MQIA_MAX_Q_DEPTH,
		ibmmq.MQIA_OPEN_INPUT_COUNT,
		ibmmq.MQIA_OPEN_OUTPUT_COUNT,
		ibmmq.MQCA_Q_DESC,
	})
	if err != nil {
		p.opts.Logger.Logf("ibmmq: inquire %s: %v", queue, err)
		return nil, err
	}

	intAttr := func(sel int32) int64 {
		if v, ok := values[sel].(int32); ok {
			return int64(v)
		}
		return 0
	}
	desc := ""
	if v, ok := values[ibmmq.MQCA_Q_DESC].(string); ok {
		desc = strings.TrimSpace(v)
	}

	return &mqexplorer.QueueProperties{
		QueueInfo: mqexplorer.QueueInfo{
			Name:        queue,
			Type:        "queue",
			Description: desc,
			Status:      "active",
			Depth:       intAttr(ibmmq.MQIA_CURRENT_Q_DEPTH),
			HasDepth:    true,
		},
		ConsumerCount: intAttr(ibmmq.MQIA_OPEN_INPUT_COUNT),
		ProducerCount: intAttr(ibmmq.MQIA_OPEN_OUTPUT_COUNT),
		MaxDepth:      intAttr(ibmmq.MQIA_MAX_Q_DEPTH),
	}, nil
}

func (p *mqProvider) GetTopicProperties(ctx context.Context, topic string) (*mqexplorer.TopicProperties, error) {
	topicParam := &ibmmq.PCFParameter{
		Type:      ibmmq.MQCFT_STRING,
		Parameter: ibmmq.MQCA_TOPIC_STRING,
		String:    []string{topic},
	}
	replies, err := p.pcfCommand(ctx, ibmmq.MQCMD_INQUIRE_TOPIC_STATUS, topicParam)
	if err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, &mqexplorer.NotFoundError{Queue: topic}
	}

	props := &mqexplorer.TopicProperties{
		TopicInfo: mqexplorer.TopicInfo{Name: topic, Type: "topic", Status: "active"},
	}
	for _, parm := range replies {
		if len(parm.Int64Value) == 0 {
			continue
		}
		switch parm.Parameter {
		case ibmmq.MQIA_PUB_COUNT:
			props.ProducerCount = parm.Int64Value[0]
		case ibmmq.MQIA_SUB_COUNT:
			props.ConsumerCount = parm.Int64Value[0]
		}
	}
	return props, nil
}

func (p *mqProvider) GetQueueDepth(ctx context.Context, queue string) (int64, error) {
	props, err := p.GetQueueProperties(ctx, queue)
	if err != nil {
		return 0, err
	}
	return props.Depth, nil
}

// pcfCommand sends one PCF admin command to the queue manager's command
// queue and collects every reply parameter until the last response
// frame. Replies arrive on a temporary dynamic queue that lives for the
// duration of the call.
func (p *mqProvider) pcfCommand(ctx context.Context, command int32, params ...*ibmmq.PCFParameter) ([]*ibmmq.PCFParameter, error) {
	qmgr, err := p.manager()
	if err != nil {
		return nil, err
	}

	replyOD := ibmmq.NewMQOD()
	replyOD.ObjectType = ibmmq.MQOT_Q
	replyOD.ObjectName = modelReplyQueue
	replyOD.DynamicQName = replyQueueStem
	replyObj, err := qmgr.Open(replyOD, ibmmq.MQOO_INPUT_EXCLUSIVE|ibmmq.MQOO_FAIL_IF_QUIESCING)
	if err != nil {
		return nil, &mqexplorer.ManagementError{Operation: "pcf", Reason: "open reply queue", Err: err}
	}
	defer replyObj.Close(0)

	cfh := ibmmq.NewMQCFH()
	cfh.Type = ibmmq.MQCFT_COMMAND
	cfh.Command = command
	buf := make([]byte, 0, 512)
	for _, parm := range params {
		cfh.ParameterCount++
		buf = append(buf, parm.Bytes()...)
	}
	request := append(cfh.Bytes(), buf...)

	md := ibmmq.NewMQMD()
	md.Format = ibmmq.MQFMT_ADMIN
	md.MsgType = ibmmq.MQMT_REQUEST
	// Open updates the descriptor with the generated dynamic queue name.
	md.ReplyToQ = replyOD.ObjectName

	pmo := ibmmq.NewMQPMO()
	pmo.Options = ibmmq.MQPMO_NO_SYNCPOINT | ibmmq.MQPMO_NEW_MSG_ID | ibmmq.MQPMO_FAIL_IF_QUIESCING

	cmdOD := ibmmq.NewMQOD()
	cmdOD.ObjectType = ibmmq.MQOT_Q
	cmdOD.ObjectName = commandQueue
	if err := qmgr.Put1(cmdOD, md, pmo, request); err != nil {
		return nil, &mqexplorer.ManagementError{Operation: "pcf", Reason: "send command", Err: err}
	}

	waitMillis := int32(p.opts.ManagementTimeout / time.Millisecond)
	replyBuf := make([]byte, browseBufferSize)

	var collected []*ibmmq.PCFParameter
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		getMD := ibmmq.NewMQMD()
		gmo := ibmmq.NewMQGMO()
		gmo.Options = ibmmq.MQGMO_WAIT | ibmmq.MQGMO_NO_SYNCPOINT | ibmmq.MQGMO_CONVERT | ibmmq.MQGMO_FAIL_IF_QUIESCING
		gmo.WaitInterval = waitMillis

		datalen, err := replyObj.Get(getMD, gmo, replyBuf)
		if err != nil {
			if mqrc(err) == ibmmq.MQRC_NO_MSG_AVAILABLE {
				return nil, &mqexplorer.ManagementError{Operation: "pcf", Reason: "no reply within timeout"}
			}
			return nil, &mqexplorer.ManagementError{Operation: "pcf", Reason: "read reply", Err: err}
		}

		reply := replyBuf[:datalen]
		respCFH, offset := ibmmq.ReadPCFHeader(reply)
		if respCFH == nil {
			return nil, &mqexplorer.ManagementError{Operation: "pcf", Reason: "malformed reply header"}
		}
		if respCFH.CompCode == int32(ibmmq.MQCC_FAILED) {
			return nil, &mqexplorer.ManagementError{
				Operation: "pcf",
				Reason:    fmt.Sprintf("command failed with reason %d", respCFH.Reason),
			}
		}

		rest := reply[offset:]
		for len(rest) > 0 {
			parm, bytesRead := ibmmq.ReadPCFParameter(rest)
			if parm == nil || bytesRead == 0 {
				break
			}
			collected = append(collected, parm)
			rest = rest[bytesRead:]
		}

		if respCFH.Control == ibmmq.MQCFC_LAST {
			return collected, nil
		}
	}
}

func putDescriptors(props *mqexplorer.MessageProperties) (*ibmmq.MQMD, *ibmmq.MQPMO) {
	md := ibmmq.NewMQMD()
	md.Format = ibmmq.MQFMT_STRING
	if props != nil {
		if props.ReplyTo != "" {
			md.ReplyToQ = props.ReplyTo
		}
		if props.Priority > 0 {
			md.Priority = int32(props.Priority)
		}
		if props.DeliveryMode == 2 {
			md.Persistence = ibmmq.MQPER_PERSISTENT
		}
		if props.ContentType == "application/octet-stream" {
			md.Format = ibmmq.MQFMT_NONE
		}
	}

	pmo := ibmmq.NewMQPMO()
	pmo.Options = ibmmq.MQPMO_NO_SYNCPOINT | ibmmq.MQPMO_NEW_MSG_ID | ibmmq.MQPMO_FAIL_IF_QUIESCING
	return md, pmo
}

func normalizeMQMessage(md *ibmmq.MQMD, body []byte) mqexplorer.Message {
	msg := mqexplorer.Message{
		ID:   hex.EncodeToString(md.MsgId),
		Body: append([]byte(nil), body...),
	}
	if !emptyBytes(md.CorrelId) {
		msg.CorrelationID = hex.EncodeToString(md.CorrelId)
	}
	if len(md.PutDate) == 8 && len(md.PutTime) >= 6 {
		if ts, err := time.Parse("20060102150405", md.PutDate+md.PutTime[:6]); err == nil {
			msg.Timestamp = ts
		}
	}

	msg.Properties.Priority = int(md.Priority)
	if md.Persistence == ibmmq.MQPER_PERSISTENT {
		msg.Properties.DeliveryMode = 2
	} else {
		msg.Properties.DeliveryMode = 1
	}
	if replyTo := strings.TrimSpace(md.ReplyToQ); replyTo != "" {
		msg.Properties.ReplyTo = replyTo
	}
	switch md.Format {
	case ibmmq.MQFMT_STRING:
		msg.Properties.ContentType = "text/plain"
	case ibmmq.MQFMT_NONE:
		msg.Properties.ContentType = "application/octet-stream"
	}
	msg.Properties.SetExtra("putApplName", strings.TrimSpace(md.PutApplName))
	msg.Properties.SetExtra("putDate", md.PutDate)
	msg.Properties.SetExtra("putTime", md.PutTime)
	return msg
}

func emptyBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func mqrc(err error) int32 {
	if ret, ok := err.(*ibmmq.MQReturn); ok {
		return ret.MQRC
	}
	return 0
}
