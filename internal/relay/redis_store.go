package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Key layout under the configured prefix:
//
//	<p>:messages:<rideID>   list of ChatMessage JSON, acceptance order
//	<p>:request:<id>        hash {data: RideRequest JSON, status}
//	<p>:requests:<rideID>   list of request ids, creation order
//	<p>:ride:<id>           hash {owner, seats}
//	<p>:ride:<id>:names     hash userID -> userName of admitted passengers
//	<p>:ride:<id>:order     list of admitted userIDs
//	<p>:rides               set of known ride ids
type redisKeys struct {
	prefix string
}

func (k redisKeys) messages(rideID string) string     { return k.prefix + ":messages:" + rideID }
func (k redisKeys) request(requestID string) string   { return k.prefix + ":request:" + requestID }
func (k redisKeys) rideRequests(rideID string) string { return k.prefix + ":requests:" + rideID }
func (k redisKeys) ride(rideID string) string         { return k.prefix + ":ride:" + rideID }
func (k redisKeys) rideNames(rideID string) string    { return k.prefix + ":ride:" + rideID + ":names" }
func (k redisKeys) rideOrder(rideID string) string    { return k.prefix + ":ride:" + rideID + ":order" }
func (k redisKeys) rides() string                     { return k.prefix + ":rides" }

func newRedisKeys(prefix string) redisKeys {
	if prefix == "" {
		prefix = "relay"
	}
	return redisKeys{prefix: prefix}
}

var createRequestScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'data', ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[3])
return 1
`)

// Only a pending request moves; -1 unknown, 0 already terminal, 1 moved.
var updateRequestScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return -1
end
if current ~= 'pending' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// ARGV: replace, rideID, owner, seats, then userID/userName pairs.
var putRideScript = redis.NewScript(`
if ARGV[1] == '0' and redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('HSET', KEYS[1], 'owner', ARGV[3], 'seats', ARGV[4])
for i = 5, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
	redis.call('RPUSH', KEYS[3], ARGV[i])
end
redis.call('SADD', KEYS[4], ARGV[2])
return 1
`)

// -1 unknown ride, 0 full, 1 admitted or already a passenger.
var admitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 1
end
if tonumber(redis.call('HGET', KEYS[1], 'seats')) <= 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], 'seats', -1)
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// ---------------------------------------------
// Store
// ---------------------------------------------

// RedisStore is a Store shared by every relay instance pointed at the same
// Redis, so a request created on one instance can be decided on another.
type RedisStore struct {
	redis *redis.Client
	keys  redisKeys
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{redis: client, keys: newRedisKeys(prefix)}
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.redis.RPush(ctx, s.keys.messages(msg.RideID), data).Err(); err != nil {
		return fmt.Errorf("redis append message: %w", err)
	}
	return nil
}

func (s *RedisStore) MessagesFor(ctx context.Context, rideID string) ([]ChatMessage, error) {
	raw, err := s.redis.LRange(ctx, s.keys.messages(rideID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read messages: %w", err)
	}
	out := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) CreateRequest(ctx context.Context, req RideRequest) error {
	if !req.Status.Valid() {
		return fmt.Errorf("request %s: invalid status %q", req.ID, req.Status)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	keys := []string{s.keys.request(req.ID), s.keys.rideRequests(req.RideID)}
	created, err := createRequestScript.Run(ctx, s.redis, keys, data, string(req.Status), req.ID).Int()
	if err != nil {
		return fmt.Errorf("redis create request: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	return nil
}

func (s *RedisStore) Request(ctx context.Context, requestID string) (RideRequest, error) {
	fields, err := s.redis.HGetAll(ctx, s.keys.request(requestID)).Result()
	if err != nil {
		return RideRequest{}, fmt.Errorf("redis read request: %w", err)
	}
	if len(fields) == 0 {
		return RideRequest{}, newError(ReasonUnknownRequest, "request %s", requestID)
	}
	return decodeRequest(fields)
}

func (s *RedisStore) UpdateRequestStatus(ctx context.Context, requestID string, status RequestStatus) (RideRequest, bool, error) {
	if !status.Terminal() {
		return RideRequest{}, false, fmt.Errorf("cannot move request to %q", status)
	}
	moved, err := updateRequestScript.Run(ctx, s.redis, []string{s.keys.request(requestID)}, string(status)).Int()
	if err != nil {
		return RideRequest{}, false, fmt.Errorf("redis update request: %w", err)
	}
	if moved < 0 {
		return RideRequest{}, false, newError(ReasonUnknownRequest, "request %s", requestID)
	}
	req, err := s.Request(ctx, requestID)
	if err != nil {
		return RideRequest{}, false, err
	}
	return req, moved == 1, nil
}

func (s *RedisStore) PendingRequestsFor(ctx context.Context, rideID string) ([]RideRequest, error) {
	return s.requestsFor(ctx, rideID, func(r RideRequest) bool { return r.Status == StatusPending })
}

func (s *RedisStore) RequestsFor(ctx context.Context, rideID string) ([]RideRequest, error) {
	return s.requestsFor(ctx, rideID, func(RideRequest) bool { return true })
}

func (s *RedisStore) requestsFor(ctx context.Context, rideID string, keep func(RideRequest) bool) ([]RideRequest, error) {
	ids, err := s.redis.LRange(ctx, s.keys.rideRequests(rideID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read request ids: %w", err)
	}
	out := []RideRequest{}
	if len(ids) == 0 {
		return out, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.request(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis read requests: %w", err)
	}
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		req, err := decodeRequest(fields)
		if err != nil {
			return nil, err
		}
		if keep(req) {
			out = append(out, req)
		}
	}
	return out, nil
}

// decodeRequest overlays the live status on the request as created.
func decodeRequest(fields map[string]string) (RideRequest, error) {
	var req RideRequest
	if err := json.Unmarshal([]byte(fields["data"]), &req); err != nil {
		return RideRequest{}, fmt.Errorf("decode request: %w", err)
	}
	req.Status = RequestStatus(fields["status"])
	return req, nil
}

// ---------------------------------------------
// Rides
// ---------------------------------------------

// NewSharedRideBook returns a book whose rides live in Redis, so seat
// accounting holds across relay instances.
func NewSharedRideBook(client *redis.Client, prefix string, source RideSource) *RideBook {
	return &RideBook{table: &redisRides{redis: client, keys: newRedisKeys(prefix)}, source: source}
}

type redisRides struct {
	redis *redis.Client
	keys  redisKeys
}

func (r *redisRides) get(ctx context.Context, rideID string) (Ride, bool, error) {
	pipe := r.redis.Pipeline()
	fields := pipe.HGetAll(ctx, r.keys.ride(rideID))
	names := pipe.HGetAll(ctx, r.keys.rideNames(rideID))
	order := pipe.LRange(ctx, r.keys.rideOrder(rideID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return Ride{}, false, fmt.Errorf("redis read ride: %w", err)
	}
	if len(fields.Val()) == 0 {
		return Ride{}, false, nil
	}

	seats, err := strconv.Atoi(fields.Val()["seats"])
	if err != nil {
		return Ride{}, false, fmt.Errorf("ride %s: bad seats %q", rideID, fields.Val()["seats"])
	}
	ride := Ride{
		ID:             rideID,
		OwnerID:        fields.Val()["owner"],
		AvailableSeats: seats,
		Passengers:     make([]Passenger, 0, len(order.Val())),
	}
	for _, userID := range order.Val() {
		ride.Passengers = append(ride.Passengers, Passenger{UserID: userID, UserName: names.Val()[userID]})
	}
	return ride, true, nil
}

func (r *redisRides) put(ctx context.Context, ride Ride, replace bool) error {
	flag := "0"
	if replace {
		flag = "1"
	}
	args := []any{flag, ride.ID, ride.OwnerID, ride.AvailableSeats}
	for _, p := range ride.Passengers {
		args = append(args, p.UserID, p.UserName)
	}
	keys := []string{r.keys.ride(ride.ID), r.keys.rideNames(ride.ID), r.keys.rideOrder(ride.ID), r.keys.rides()}
	if err := putRideScript.Run(ctx, r.redis, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis put ride: %w", err)
	}
	return nil
}

func (r *redisRides) admit(ctx context.Context, rideID string, p Passenger) (Ride, error) {
	keys := []string{r.keys.ride(rideID), r.keys.rideNames(rideID), r.keys.rideOrder(rideID)}
	admitted, err := admitScript.Run(ctx, r.redis, keys, p.UserID, p.UserName).Int()
	if err != nil {
		return Ride{}, fmt.Errorf("redis admit: %w", err)
	}
	if admitted < 0 {
		return Ride{}, newError(ReasonUnknownRide, "ride %s", rideID)
	}
	ride, _, err := r.get(ctx, rideID)
	if err != nil {
		return Ride{}, err
	}
	if admitted == 0 {
		return ride, newError(ReasonRideFull, "ride %s has no seats left", rideID)
	}
	return ride, nil
}

func (r *redisRides) count(ctx context.Context) (int, error) {
	n, err := r.redis.SCard(ctx, r.keys.rides()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count rides: %w", err)
	}
	return int(n), nil
}
