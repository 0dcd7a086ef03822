package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"realmcore/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertWorld(ctx context.Context, w domain.World) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO worlds(key,name,status,created_at) VALUES (?,?,?,?)`,
		w.Key, w.Name, w.Status, w.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetWorld(ctx context.Context, id int64) (domain.World, error) {
	var w domain.World
	err := r.DB.QueryRowContext(ctx, `SELECT id,key,name,status,created_at FROM worlds WHERE id=?`, id).
		Scan(&w.ID, &w.Key, &w.Name, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWorldByKey(ctx context.Context, key string) (domain.World, error) {
	var w domain.World
	err := r.DB.QueryRowContext(ctx, `SELECT id,key,name,status,created_at FROM worlds WHERE key=?`, key).
		Scan(&w.ID, &w.Key, &w.Name, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorlds(ctx context.Context) ([]domain.World, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,key,name,status,created_at FROM worlds ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.World
	for rows.Next() {
		var w domain.World
		if err := rows.Scan(&w.ID, &w.Key, &w.Name, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

func (r Repo) InsertRoom(ctx context.Context, room domain.Room) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO rooms(world_id,zone_id,key,name,description,type,created_at) VALUES (?,?,?,?,?,?,?)`,
		room.WorldID, nullableInt64Ptr(room.ZoneID), room.Key, room.Name, nullable(room.Description), room.Type, room.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanRoom(scan func(...any) error) (domain.Room, error) {
	var room domain.Room
	var zoneID sql.NullInt64
	var desc sql.NullString
	err := scan(&room.ID, &room.WorldID, &zoneID, &room.Key, &room.Name, &desc, &room.Type, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return room, ErrNotFound
	}
	if err != nil {
		return room, err
	}
	if zoneID.Valid {
		room.ZoneID = &zoneID.Int64
	}
	if desc.Valid {
		room.Description = desc.String
	}
	return room, nil
}

const roomCols = `id,world_id,zone_id,key,name,description,type,created_at`

func (r Repo) GetRoom(ctx context.Context, id int64) (domain.Room, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+roomCols+` FROM rooms WHERE id=?`, id)
	return scanRoom(row.Scan)
}

func (r Repo) GetRoomTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Room, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+roomCols+` FROM rooms WHERE id=?`, id)
	return scanRoom(row.Scan)
}

func (r Repo) GetRoomByKey(ctx context.Context, key string) (domain.Room, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+roomCols+` FROM rooms WHERE key=?`, key)
	return scanRoom(row.Scan)
}

func (r Repo) InsertExit(ctx context.Context, e domain.Exit) error {
	state := e.DoorState
	if state == "" {
		state = domain.DoorOpen
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO room_exits(room_id,direction,to_room_id,door_state) VALUES (?,?,?,?)`,
		e.RoomID, e.Direction, e.ToRoomID, state)
	return err
}

func (r Repo) ListExitsTx(ctx context.Context, tx *sql.Tx, roomID int64) ([]domain.Exit, error) {
	rows, err := tx.QueryContext(ctx, `SELECT room_id,direction,to_room_id,door_state FROM room_exits WHERE room_id=? ORDER BY direction`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Exit
	for rows.Next() {
		var e domain.Exit
		if err := rows.Scan(&e.RoomID, &e.Direction, &e.ToRoomID, &e.DoorState); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) GetExitTx(ctx context.Context, tx *sql.Tx, roomID int64, direction string) (domain.Exit, error) {
	var e domain.Exit
	err := tx.QueryRowContext(ctx, `SELECT room_id,direction,to_room_id,door_state FROM room_exits WHERE room_id=? AND direction=?`, roomID, direction).
		Scan(&e.RoomID, &e.Direction, &e.ToRoomID, &e.DoorState)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) SetDoorState(ctx context.Context, tx *sql.Tx, roomID int64, direction, state string) error {
	res, err := tx.ExecContext(ctx, `UPDATE room_exits SET door_state=? WHERE room_id=? AND direction=?`, state, roomID, direction)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const characterCols = `id,world_id,room_id,name,stamina,max_stamina,is_invisible,in_game,last_action_at,created_at`

func scanCharacter(scan func(...any) error) (domain.Character, error) {
	var c domain.Character
	var lastAction sql.NullString
	err := scan(&c.ID, &c.WorldID, &c.RoomID, &c.Name, &c.Stamina, &c.MaxStamina, &c.IsInvisible, &c.InGame, &lastAction, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if lastAction.Valid {
		c.LastActionAt = lastAction.String
	}
	return c, nil
}

func (r Repo) InsertCharacter(ctx context.Context, c domain.Character) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO characters(world_id,room_id,name,stamina,max_stamina,is_invisible,in_game,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.WorldID, c.RoomID, c.Name, c.Stamina, c.MaxStamina, c.IsInvisible, c.InGame, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCharacter(ctx context.Context, id int64) (domain.Character, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+characterCols+` FROM characters WHERE id=?`, id)
	return scanCharacter(row.Scan)
}

func (r Repo) GetCharacterTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Character, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+characterCols+` FROM characters WHERE id=?`, id)
	return scanCharacter(row.Scan)
}

func (r Repo) ListCharactersInRoomTx(ctx context.Context, tx *sql.Tx, roomID int64) ([]domain.Character, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+characterCols+` FROM characters WHERE room_id=? AND in_game=1 ORDER BY id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Character
	for rows.Next() {
		c, err := scanCharacter(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) MoveCharacter(ctx context.Context, tx *sql.Tx, id, roomID int64, stamina int, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE characters SET room_id=?, stamina=?, last_action_at=? WHERE id=?`, roomID, stamina, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCharacterInGame(ctx context.Context, id int64, inGame bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE characters SET in_game=? WHERE id=?`, inGame, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RegenStamina(ctx context.Context, tx *sql.Tx, worldID int64, amount int) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE characters SET stamina=MIN(stamina+?, max_stamina) WHERE world_id=? AND in_game=1 AND stamina < max_stamina`, amount, worldID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const mobCols = `id,world_id,room_id,key,name,keywords,created_at`

func scanMob(scan func(...any) error) (domain.Mob, error) {
	var m domain.Mob
	var keywords sql.NullString
	err := scan(&m.ID, &m.WorldID, &m.RoomID, &m.Key, &m.Name, &keywords, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if keywords.Valid {
		m.Keywords = keywords.String
	}
	return m, nil
}

func (r Repo) InsertMob(ctx context.Context, m domain.Mob) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO mobs(world_id,room_id,key,name,keywords,created_at) VALUES (?,?,?,?,?,?)`,
		m.WorldID, m.RoomID, m.Key, m.Name, nullable(m.Keywords), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetMob(ctx context.Context, id int64) (domain.Mob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+mobCols+` FROM mobs WHERE id=?`, id)
	return scanMob(row.Scan)
}

func (r Repo) GetMobTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Mob, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+mobCols+` FROM mobs WHERE id=?`, id)
	return scanMob(row.Scan)
}

func (r Repo) UpdateMobRoom(ctx context.Context, tx *sql.Tx, id, roomID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE mobs SET room_id=? WHERE id=?`, roomID, id)
	return err
}

// GetMobByKey resolves a mob key within one world. Keys are only unique per
// world, so an unscoped lookup could hand back another world's mob.
func (r Repo) GetMobByKey(ctx context.Context, worldID int64, key string) (domain.Mob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+mobCols+` FROM mobs WHERE world_id=? AND key=?`, worldID, key)
	return scanMob(row.Scan)
}

func (r Repo) ListMobsInRoomTx(ctx context.Context, tx *sql.Tx, roomID int64) ([]domain.Mob, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+mobCols+` FROM mobs WHERE room_id=? ORDER BY id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mob
	for rows.Next() {
		m, err := scanMob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) ListMobsInRoom(ctx context.Context, roomID int64) ([]domain.Mob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+mobCols+` FROM mobs WHERE room_id=? ORDER BY id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mob
	for rows.Next() {
		m, err := scanMob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) ListMobsInWorld(ctx context.Context, worldID int64) ([]domain.Mob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+mobCols+` FROM mobs WHERE world_id=? ORDER BY id`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mob
	for rows.Next() {
		m, err := scanMob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

const itemCols = `id,world_id,container_kind,container_id,name,keywords,is_boat,created_at`

func scanItem(scan func(...any) error) (domain.Item, error) {
	var it domain.Item
	var keywords sql.NullString
	err := scan(&it.ID, &it.WorldID, &it.ContainerKind, &it.ContainerID, &it.Name, &keywords, &it.IsBoat, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if keywords.Valid {
		it.Keywords = keywords.String
	}
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, it domain.Item) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO items(world_id,container_kind,container_id,name,keywords,is_boat,created_at) VALUES (?,?,?,?,?,?,?)`,
		it.WorldID, it.ContainerKind, it.ContainerID, it.Name, nullable(it.Keywords), it.IsBoat, it.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListItemsTx(ctx context.Context, tx *sql.Tx, containerKind string, containerID int64) ([]domain.Item, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+itemCols+` FROM items WHERE container_kind=? AND container_id=? ORDER BY id`, containerKind, containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, nil
}

func (r Repo) HasBoatTx(ctx context.Context, tx *sql.Tx, characterID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM items WHERE container_kind=? AND container_id=? AND is_boat=1`,
		domain.ContainerCharacter, characterID).Scan(&n)
	return n > 0, err
}

func (r Repo) UpsertRuntimeCache(ctx context.Context, tx *sql.Tx, c domain.RuntimeCache) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runtime_caches(aggregate_kind,aggregate_id,cache_version,built_at,payload_json) VALUES (?,?,?,?,?)
ON CONFLICT(aggregate_kind,aggregate_id) DO UPDATE SET cache_version=excluded.cache_version, built_at=excluded.built_at, payload_json=excluded.payload_json`,
		c.AggregateKind, c.AggregateID, c.CacheVersion, c.BuiltAt, c.PayloadJSON)
	return err
}

func (r Repo) GetRuntimeCache(ctx context.Context, aggregateKind string, aggregateID int64) (domain.RuntimeCache, error) {
	var c domain.RuntimeCache
	err := r.DB.QueryRowContext(ctx, `SELECT aggregate_kind,aggregate_id,cache_version,built_at,payload_json FROM runtime_caches WHERE aggregate_kind=? AND aggregate_id=?`,
		aggregateKind, aggregateID).
		Scan(&c.AggregateKind, &c.AggregateID, &c.CacheVersion, &c.BuiltAt, &c.PayloadJSON)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func joinClauses(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}
