// Package parser превращает ответы игры в типизированные записи.
//
// Стратегия выбирается по домену команды (магазин или список), а не по её
// имени, поэтому новая команда попадает в существующий разбор без кода.
// Строки, которые не удалось разобрать, молча пропускаются.
package parser

// Entity — результат разбора: ShopItem или GenericEntity.
type Entity interface {
	// IdentityKey — ключ upsert'а.
	IdentityKey() string
	entity()
}

type ShopItem struct {
	Name        string  `json:"name"`
	ShopType    string  `json:"shop_type"`
	Price       uint64  `json:"price"`
	Currency    string  `json:"currency"`
	Description *string `json:"description,omitempty"`
	Stock       *uint64 `json:"stock,omitempty"`
}

func (s ShopItem) IdentityKey() string { return s.ShopType + "/" + s.Name }

func (ShopItem) entity() {}

type GenericEntity struct {
	EntityType string            `json:"entity_type"`
	Name       string            `json:"name"`
	Details    map[string]string `json:"details"`
}

func (g GenericEntity) IdentityKey() string { return g.EntityType + "/" + g.Name }

func (GenericEntity) entity() {}
