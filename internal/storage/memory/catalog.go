package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type offerWindow struct {
	offer    domain.Offer
	startsAt time.Time
	endsAt   time.Time
}

// Catalog: in-memory каталог предложений с окнами действия.
type Catalog struct {
	mu     sync.RWMutex
	offers map[int64][]offerWindow
	now    func() time.Time
}

// NewCatalog создаёт пустой каталог.
func NewCatalog() *Catalog {
	return &Catalog{
		offers: make(map[int64][]offerWindow),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PutOffer регистрирует предложение, действующее в [startsAt, endsAt).
// Нулевой endsAt означает бессрочное предложение.
func (c *Catalog) PutOffer(offer domain.Offer, startsAt, endsAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers[offer.SKUID] = append(c.offers[offer.SKUID], offerWindow{offer: offer, startsAt: startsAt, endsAt: endsAt})
}

// GetCurrentOffer возвращает последнее зарегистрированное активное предложение.
func (c *Catalog) GetCurrentOffer(ctx context.Context, skuID int64) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	windows := c.offers[skuID]
	for i := len(windows) - 1; i >= 0; i-- {
		w := windows[i]
		if now.Before(w.startsAt) {
			continue
		}
		if !w.endsAt.IsZero() && !now.Before(w.endsAt) {
			continue
		}
		return w.offer, nil
	}
	return domain.Offer{}, domain.ErrOfferNotFound.Withf("sku %d", skuID)
}

type addressKey struct {
	userID    int64
	addressID int64
}

// AddressBook: in-memory адресная книга.
type AddressBook struct {
	mu        sync.RWMutex
	addresses map[addressKey]domain.AddressSnapshot
}

// NewAddressBook создаёт пустую адресную книгу.
func NewAddressBook() *AddressBook {
	return &AddressBook{addresses: make(map[addressKey]domain.AddressSnapshot)}
}

// Put сохраняет адрес пользователя.
func (b *AddressBook) Put(userID int64, address domain.AddressSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses[addressKey{userID: userID, addressID: address.AddressID}] = address
}

// FindAddress ищет адрес среди адресов пользователя.
func (b *AddressBook) FindAddress(_ context.Context, userID, addressID int64) (domain.AddressSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	address, ok := b.addresses[addressKey{userID: userID, addressID: addressID}]
	if !ok {
		return domain.AddressSnapshot{}, domain.ErrAddressNotFound.Withf("user %d address %d", userID, addressID)
	}
	return address, nil
}

type cartKey struct {
	userID int64
	cartID int64
}

// Carts: in-memory корзины пользователей.
type Carts struct {
	mu    sync.RWMutex
	carts map[cartKey][]domain.CartLine
}

// NewCarts создаёт пустое хранилище корзин.
func NewCarts() *Carts {
	return &Carts{carts: make(map[cartKey][]domain.CartLine)}
}

// Put заменяет содержимое корзины.
func (c *Carts) Put(userID, cartID int64, lines []domain.CartLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carts[cartKey{userID: userID, cartID: cartID}] = append([]domain.CartLine(nil), lines...)
}

// CartItems возвращает строки корзины; чужая или пустая корзина даёт пустой список.
func (c *Carts) CartItems(_ context.Context, userID, cartID int64) ([]domain.CartLine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.CartLine(nil), c.carts[cartKey{userID: userID, cartID: cartID}]...), nil
}

var (
	_ domain.Catalog     = (*Catalog)(nil)
	_ domain.AddressBook = (*AddressBook)(nil)
	_ domain.CartReader  = (*Carts)(nil)
)
