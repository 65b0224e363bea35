package storage

import "database/sql"

// UpsertDevice persists a device-registry row, keeping the most recent
// sighting
func (s *MessageStore) UpsertDevice(dev *StoredDevice) error {
	query := `
		INSERT INTO devices (id, name, address, rssi, last_seen, hop_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			rssi = excluded.rssi,
			last_seen = MAX(devices.last_seen, excluded.last_seen),
			hop_count = excluded.hop_count
	`

	_, err := s.db.Exec(query, dev.ID, dev.Name, dev.Address, dev.RSSI, dev.LastSeen, dev.HopCount)
	return err
}

// GetDevice retrieves one persisted device by id
func (s *MessageStore) GetDevice(id string) (*StoredDevice, error) {
	query := `SELECT id, name, address, rssi, last_seen, hop_count FROM devices WHERE id = ?`

	var dev StoredDevice
	err := s.db.QueryRow(query, id).Scan(&dev.ID, &dev.Name, &dev.Address, &dev.RSSI, &dev.LastSeen, &dev.HopCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// GetDevices retrieves all persisted devices, most recently seen first
func (s *MessageStore) GetDevices() ([]*StoredDevice, error) {
	query := `SELECT id, name, address, rssi, last_seen, hop_count FROM devices ORDER BY last_seen DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*StoredDevice
	for rows.Next() {
		var dev StoredDevice
		err := rows.Scan(&dev.ID, &dev.Name, &dev.Address, &dev.RSSI, &dev.LastSeen, &dev.HopCount)
		if err != nil {
			return nil, err
		}
		devices = append(devices, &dev)
	}
	return devices, rows.Err()
}
