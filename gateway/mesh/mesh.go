// Package mesh implements best-effort cross-replica prefix-cache sync:
// a gateway replica that inserts a request into its local cache-aware
// tree announces the insert to peers over Redis pub/sub, and peers can
// query a replica's per-model tree sizes on demand. This is the
// "sync_tree_operation"/"get_tree_state" interface spec.md §6 names as
// optional, supplemented from original_source/mesh/src/controller.rs's
// gossip controller and narrowed to a single best-effort channel rather
// than that controller's full membership/failure-detection protocol
// (out of scope per spec.md's Non-goals: "distributed consensus across
// replicas").
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultOpsChannel   = "gateway:mesh:tree_ops"
	defaultStateKeyBase = "gateway:mesh:state:"
	defaultStateTTL     = 30 * time.Second
)

// OpKind names the kind of tree mutation an announced TreeOp carries.
type OpKind string

const (
	OpInsertText   OpKind = "insert_text"
	OpInsertTokens OpKind = "insert_tokens"
)

// TreeOp is one prefix-tree mutation a replica announces to its peers.
type TreeOp struct {
	Kind    OpKind  `json:"kind"`
	ModelID string  `json:"model_id"`
	Tenant  string  `json:"tenant"`
	Text    string  `json:"text,omitempty"`
	Tokens  []int32 `json:"tokens,omitempty"`
}

// treeOpClaims wraps a TreeOp as JWT claims so a receiving replica can
// verify the op was signed by a peer holding the shared mesh secret,
// rather than accepting arbitrary pub/sub traffic on the ops channel.
// Adapted from the teacher's JWTAuth middleware's HS256 sign/verify
// idiom, here used for replica-to-replica identity instead of end-user
// auth.
type treeOpClaims struct {
	jwt.RegisteredClaims
	Op TreeOp `json:"op"`
}

// TreeApplier is the subset of *policy.CacheAwarePolicy mesh needs to
// fold a remote op into the local tree. Declared here, rather than
// importing gateway/policy's concrete type, to keep mesh usable against
// any cache-aware-shaped policy and to make replica-apply testable
// without constructing a real policy.
type TreeApplier interface {
	ApplyRemoteInsert(modelID, text, tenant string)
	ApplyRemoteTokenInsert(modelID string, tokens []int32, tenant string)
	TreeSizes() map[string]int64
}

// Config groups a Controller's dependencies.
type Config struct {
	Redis       *redis.Client
	PeerID      string
	SigningKey  []byte
	OpsChannel  string // defaults to defaultOpsChannel
	StateTTL    time.Duration
	Logger      *zap.Logger
}

// Controller publishes this replica's tree ops to peers and applies
// peers' ops to a local TreeApplier, plus reports/reads per-model tree
// state through short-lived Redis keys.
type Controller struct {
	rdb        *redis.Client
	peerID     string
	signingKey []byte
	opsChannel string
	stateTTL   time.Duration
	logger     *zap.Logger
}

func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opsChannel := cfg.OpsChannel
	if opsChannel == "" {
		opsChannel = defaultOpsChannel
	}
	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = defaultStateTTL
	}
	return &Controller{
		rdb:        cfg.Redis,
		peerID:     cfg.PeerID,
		signingKey: cfg.SigningKey,
		opsChannel: opsChannel,
		stateTTL:   stateTTL,
		logger:     logger,
	}
}

// PublishInsert signs and publishes a string-keyed insert op for peers
// to fold into their own trees. Best-effort: a publish failure is
// logged, never returned to the caller, since tree sync must never
// block or fail a live request's own dispatch path.
func (c *Controller) PublishInsert(ctx context.Context, modelID, text, tenant string) {
	c.publish(ctx, TreeOp{Kind: OpInsertText, ModelID: modelID, Text: text, Tenant: tenant})
}

// PublishTokenInsert is PublishInsert for pre-tokenized requests.
func (c *Controller) PublishTokenInsert(ctx context.Context, modelID string, tokens []int32, tenant string) {
	c.publish(ctx, TreeOp{Kind: OpInsertTokens, ModelID: modelID, Tokens: tokens, Tenant: tenant})
}

func (c *Controller) publish(ctx context.Context, op TreeOp) {
	token, err := c.sign(op)
	if err != nil {
		c.logger.Warn("mesh: failed to sign tree op", zap.Error(err))
		return
	}
	if err := c.rdb.Publish(ctx, c.opsChannel, token).Err(); err != nil {
		c.logger.Warn("mesh: failed to publish tree op", zap.Error(err), zap.String("model", op.ModelID))
	}
}

func (c *Controller) sign(op TreeOp) (string, error) {
	claims := treeOpClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.peerID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(c.stateTTL)),
		},
		Op: op,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
}

func (c *Controller) verify(token string) (TreeOp, error) {
	var claims treeOpClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return c.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return TreeOp{}, err
	}
	if !parsed.Valid {
		return TreeOp{}, fmt.Errorf("mesh: tree op token failed validation")
	}
	if claims.Issuer == c.peerID {
		return TreeOp{}, errSelfOriginated
	}
	return claims.Op, nil
}

var errSelfOriginated = fmt.Errorf("mesh: op originated from this replica, skipping")

// Run subscribes to the ops channel and applies every valid peer op to
// applier until ctx is cancelled. Intended to be run in its own
// goroutine by the caller; Controller is otherwise a passive publisher,
// matching spec.md §6's "best-effort, eventually consistent" framing —
// a replica that never calls Run still publishes its own ops and
// answers state queries, it just never absorbs peers' ops.
func (c *Controller) Run(ctx context.Context, applier TreeApplier) error {
	sub := c.rdb.Subscribe(ctx, c.opsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			op, err := c.verify(msg.Payload)
			if err != nil {
				if err != errSelfOriginated {
					c.logger.Debug("mesh: dropping unverifiable tree op", zap.Error(err))
				}
				continue
			}
			c.apply(applier, op)
		}
	}
}

func (c *Controller) apply(applier TreeApplier, op TreeOp) {
	switch op.Kind {
	case OpInsertText:
		applier.ApplyRemoteInsert(op.ModelID, op.Text, op.Tenant)
	case OpInsertTokens:
		applier.ApplyRemoteTokenInsert(op.ModelID, op.Tokens, op.Tenant)
	default:
		c.logger.Warn("mesh: unknown tree op kind", zap.String("kind", string(op.Kind)))
	}
}

// PublishState writes this replica's per-model tree sizes to a
// peer-readable Redis key with a short TTL, so a stale replica's last
// reported state naturally expires rather than lingering forever.
func (c *Controller) PublishState(ctx context.Context, applier TreeApplier) error {
	sizes := applier.TreeSizes()
	data, err := json.Marshal(sizes)
	if err != nil {
		return fmt.Errorf("mesh: marshal tree state: %w", err)
	}
	return c.rdb.Set(ctx, c.stateKey(c.peerID), data, c.stateTTL).Err()
}

// GetTreeState reads peerID's last-published per-model tree sizes, or
// returns ok=false if that replica hasn't published (or its state
// entry expired).
func (c *Controller) GetTreeState(ctx context.Context, peerID string) (map[string]int64, bool, error) {
	data, err := c.rdb.Get(ctx, c.stateKey(peerID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mesh: read tree state for %s: %w", peerID, err)
	}
	var sizes map[string]int64
	if err := json.Unmarshal(data, &sizes); err != nil {
		return nil, false, fmt.Errorf("mesh: decode tree state for %s: %w", peerID, err)
	}
	return sizes, true, nil
}

func (c *Controller) stateKey(peerID string) string {
	return defaultStateKeyBase + peerID
}
